package omx_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohaomx/internal/media"
	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/softomx"
)

func seekTo(t time.Duration) *media.ReadOptions {
	var opts media.ReadOptions
	opts.SetSeekTo(t)
	return &opts
}

func TestDecoderSeekDiscardsReadyBuffers(t *testing.T) {
	quirks := []omx.Quirks{
		{},
		{DoesntProperlyFlushAllPortsAtOnce: true},
		{MeasuresTimeInMilliseconds: true},
	}
	for _, q := range quirks {
		t.Run(q.String(), func(t *testing.T) {
			spec := softomx.Spec{
				Quirks: q,
				Input:  softomx.PortConfig{Count: 2},
				Output: softomx.PortConfig{Count: 2},
			}
			src := newTestSource(avcFormat, avcUnits(10, time.Second))
			dec, _ := newDecoder(t, spec, src, omx.Options{})
			require.NoError(t, dec.Start(nil))

			// Both output buffers end up decoded and queued for the reader.
			require.Eventually(t, func() bool {
				return dec.Ownership(omx.PortOutput).Consumer == 2
			}, 2*time.Second, time.Millisecond)

			buf, err := read(t, dec, seekTo(5*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 5*time.Second, buf.Time)
			assert.Equal(t, src.packets[5].Data, buf.Bytes())
			buf.Release()
			assert.Equal(t, []time.Duration{5 * time.Second}, src.Seeks())

			frames := readAll(t, dec)
			require.Len(t, frames, 4)
			for i, f := range frames {
				assert.Equal(t, time.Duration(6+i)*time.Second, f.time)
			}
			assert.NoError(t, dec.Err())
		})
	}
}

func TestDecoderSeekNeverReturnsStaleOutput(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(30, 100*time.Millisecond))
	dec, _ := newDecoder(t, softomx.Spec{}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	targets := []time.Duration{2 * time.Second, 500 * time.Millisecond, 2500 * time.Millisecond, 0, 1 * time.Second}
	for _, target := range targets {
		// Let some output pile up before each seek.
		buf, err := read(t, dec, nil)
		require.NoError(t, err)
		buf.Release()

		buf, err = read(t, dec, seekTo(target))
		require.NoError(t, err)
		assert.Equal(t, target, buf.Time)
		last := buf.Time
		buf.Release()

		for i := 0; i < 3; i++ {
			buf, err := read(t, dec, nil)
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.True(t, buf.Time > last, "%v after %v", buf.Time, last)
			last = buf.Time
			buf.Release()
		}
	}
	assert.Len(t, src.Seeks(), len(targets))
	assert.NoError(t, dec.Err())
}

func TestDecoderSeekPastEnd(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(5, time.Second))
	dec, _ := newDecoder(t, softomx.Spec{}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	_, err := read(t, dec, seekTo(time.Minute))
	assert.Equal(t, io.EOF, err)

	// Seeking back after the end restarts decoding.
	buf, err := read(t, dec, seekTo(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, buf.Time)
	buf.Release()

	frames := readAll(t, dec)
	require.Len(t, frames, 1)
	assert.Equal(t, 4*time.Second, frames[0].time)
}

func TestDecoderSeekDuringRenegotiation(t *testing.T) {
	spec := softomx.Spec{ChangeOutputAfter: 1, ChangedWidth: 32, ChangedHeight: 32}
	src := newTestSource(avcFormat, avcUnits(10, time.Second))
	dec, _ := newDecoder(t, spec, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	buf, err := read(t, dec, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), buf.Time)
	buf.Release()

	buf, err = read(t, dec, seekTo(7*time.Second))
	require.NoError(t, err)
	assert.True(t, buf.Time >= 7*time.Second, "%v", buf.Time)
	buf.Release()

	f, err := dec.Format()
	require.NoError(t, err)
	assert.Equal(t, 32, f.Width)
}
