package omx_test

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/media"
	"github.com/lanikai/alohaomx/internal/media/h264"
	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/softomx"
)

// testSource plays back a fixed list of packets and records seeks.
type testSource struct {
	format  media.Format
	packets []media.Packet

	mu      sync.Mutex
	pos     int
	seeks   []time.Duration
	failAt  int
	failErr error
}

func newTestSource(format media.Format, packets []media.Packet) *testSource {
	return &testSource{format: format, packets: packets}
}

func (s *testSource) Format() media.Format {
	return s.format
}

func (s *testSource) Read(opts *media.ReadOptions) (*media.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := opts.SeekTo(); ok {
		s.seeks = append(s.seeks, t)
		s.pos = len(s.packets)
		for i, p := range s.packets {
			if p.Time >= t {
				s.pos = i
				break
			}
		}
	}
	if s.failErr != nil && s.pos == s.failAt {
		return nil, s.failErr
	}
	if s.pos >= len(s.packets) {
		return nil, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return &media.Packet{Data: append([]byte(nil), p.Data...), Time: p.Time, KeyFrame: p.KeyFrame}, nil
}

func (s *testSource) Seeks() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.seeks...)
}

func (s *testSource) Close() error {
	return nil
}

var avcFormat = media.Format{MIME: media.MIMEVideoAVC, Width: 16, Height: 16}

// avcUnits returns n Annex-B access units, one IDR every five.
func avcUnits(n int, interval time.Duration) []media.Packet {
	packets := make([]media.Packet, n)
	for i := range packets {
		header := byte(0x41)
		if i%5 == 0 {
			header = 0x65
		}
		packets[i] = media.Packet{
			Data:     h264.AnnexB(append([]byte{header}, fmt.Sprintf("unit-%d", i)...)),
			Time:     time.Duration(i) * interval,
			KeyFrame: i%5 == 0,
		}
	}
	return packets
}

var testRoles = []string{"video_decoder.avc", "audio_decoder.aac", "video_encoder.avc"}

func newDecoder(t *testing.T, spec softomx.Spec, source *testSource, opts omx.Options) (*omx.Decoder, *softomx.Node) {
	t.Helper()
	if spec.Name == "" {
		spec.Name = "OMX.aloha.test"
	}
	if spec.Roles == nil {
		spec.Roles = testRoles
	}
	spec.Record = true
	client := softomx.NewClient(spec)

	opts.ComponentName = spec.Name
	if opts.Quirks == nil {
		q := spec.Quirks
		opts.Quirks = &q
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	dec, err := omx.NewDecoder(client, source.Format(), source, opts)
	require.NoError(t, err)
	t.Cleanup(func() { dec.Stop() })

	nodes := client.Nodes()
	require.Len(t, nodes, 1)
	return dec, nodes[0]
}

type readResult struct {
	buf *omx.MediaBuffer
	err error
}

// read calls Read, failing the test if it does not return promptly.
func read(t *testing.T, dec *omx.Decoder, opts *media.ReadOptions) (*omx.MediaBuffer, error) {
	t.Helper()
	ch := make(chan readResult, 1)
	go func() {
		buf, err := dec.Read(opts)
		ch <- readResult{buf, err}
	}()
	select {
	case r := <-ch:
		return r.buf, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not return")
		return nil, nil
	}
}

type frame struct {
	data []byte
	time time.Duration
}

// readAll reads and releases buffers until the end of the stream.
func readAll(t *testing.T, dec *omx.Decoder) []frame {
	t.Helper()
	var frames []frame
	for {
		buf, err := read(t, dec, nil)
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame{append([]byte(nil), buf.Bytes()...), buf.Time})
		buf.Release()
	}
}

func TestDecoderCodecDataBeforeAccessUnits(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(2, 33*time.Millisecond))
	dec, node := newDecoder(t, softomx.Spec{}, src, omx.Options{})

	sps := []byte{0x67, 0x42, 0x00, 0x1e}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	require.NoError(t, dec.AddCodecSpecificData(sps))
	require.NoError(t, dec.AddCodecSpecificData(pps))

	require.NoError(t, dec.Start(nil))
	assert.Equal(t, omx.DecoderRunning, dec.State())

	// Codec data outputs are not delivered.
	frames := readAll(t, dec)
	require.Len(t, frames, 2)
	assert.Equal(t, src.packets[0].Data, frames[0].data)
	assert.Equal(t, src.packets[1].Data, frames[1].data)
	assert.Equal(t, time.Duration(0), frames[0].time)
	assert.Equal(t, 33*time.Millisecond, frames[1].time)

	subs := node.Submissions()
	require.Len(t, subs, 5)
	assert.Equal(t, h264.AnnexB(sps), subs[0].Data)
	assert.Equal(t, h264.AnnexB(pps), subs[1].Data)
	for _, sub := range subs[:2] {
		assert.NotZero(t, sub.Flags&omx.BufferFlagCodecConfig)
	}
	assert.Equal(t, src.packets[0].Data, subs[2].Data)
	assert.Equal(t, src.packets[1].Data, subs[3].Data)
	for _, sub := range subs[2:4] {
		assert.Zero(t, sub.Flags&omx.BufferFlagCodecConfig)
	}
	assert.NotZero(t, subs[2].Flags&omx.BufferFlagSyncFrame)
	assert.Empty(t, subs[4].Data)
	assert.Equal(t, omx.BufferFlagEOS, subs[4].Flags)
	assert.Equal(t, int64(33000), subs[3].Timestamp)

	// The end of the stream is sticky.
	_, err := read(t, dec, nil)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, dec.Stop())
	assert.Equal(t, omx.DecoderStopped, dec.State())
	assert.Zero(t, node.Bound(omx.PortInput))
	assert.Zero(t, node.Bound(omx.PortOutput))
	assert.NoError(t, dec.Err())
}

func TestDecoderCodecDataFromFormat(t *testing.T) {
	format := avcFormat
	format.CodecData = [][]byte{{0x67, 0x01}, {0x68, 0x02}}
	src := newTestSource(format, avcUnits(1, time.Second))
	dec, node := newDecoder(t, softomx.Spec{}, src, omx.Options{})
	require.NoError(t, dec.AddCodecSpecificData([]byte{0x06, 0x03}))

	require.NoError(t, dec.Start(nil))
	assert.Len(t, readAll(t, dec), 1)

	subs := node.Submissions()
	require.True(t, len(subs) >= 3)
	assert.Equal(t, h264.AnnexB([]byte{0x67, 0x01}), subs[0].Data)
	assert.Equal(t, h264.AnnexB([]byte{0x68, 0x02}), subs[1].Data)
	assert.Equal(t, h264.AnnexB([]byte{0x06, 0x03}), subs[2].Data)

	err := dec.AddCodecSpecificData([]byte{0x67})
	assert.True(t, errors.Is(err, omx.ErrStartFailure))
}

func TestDecoderRawNALFrames(t *testing.T) {
	q := omx.Quirks{WantsRawNALFrames: true}
	src := newTestSource(avcFormat, avcUnits(3, time.Second))
	dec, node := newDecoder(t, softomx.Spec{Quirks: q}, src, omx.Options{})
	require.NoError(t, dec.AddCodecSpecificData([]byte{0x67, 0x42}))
	require.NoError(t, dec.Start(nil))

	frames := readAll(t, dec)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, h264.StripStartCode(src.packets[i].Data), f.data)
	}
	subs := node.Submissions()
	assert.Equal(t, []byte{0x67, 0x42}, subs[0].Data)
}

func TestDecoderMillisecondTimestamps(t *testing.T) {
	q := omx.Quirks{MeasuresTimeInMilliseconds: true}
	src := newTestSource(avcFormat, avcUnits(3, 40*time.Millisecond))
	dec, node := newDecoder(t, softomx.Spec{Quirks: q}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	frames := readAll(t, dec)
	require.Len(t, frames, 3)
	assert.Equal(t, 80*time.Millisecond, frames[2].time)
	assert.Equal(t, int64(40), node.Submissions()[1].Timestamp)
}

func TestDecoderStartAllocationFailure(t *testing.T) {
	for _, q := range []omx.Quirks{{}, {RequiresLoadedToIdleAfterAllocation: true}} {
		t.Run(q.String(), func(t *testing.T) {
			src := newTestSource(avcFormat, avcUnits(2, time.Second))
			dec, node := newDecoder(t, softomx.Spec{RejectOutputBuffers: true, Quirks: q}, src, omx.Options{})

			err := dec.Start(nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, omx.ErrAllocationFailure), "%v", err)
			assert.Equal(t, omx.Ownership{}, dec.Ownership(omx.PortInput))
			assert.Equal(t, omx.Ownership{}, dec.Ownership(omx.PortOutput))
			assert.Zero(t, node.Bound(omx.PortInput))
			assert.Equal(t, omx.DecoderError, dec.State())

			_, err = read(t, dec, nil)
			assert.True(t, errors.Is(err, omx.ErrAllocationFailure))
			assert.NoError(t, dec.Stop())
		})
	}
}

func TestDecoderAllocateBufferQuirk(t *testing.T) {
	spec := softomx.Spec{Quirks: omx.Quirks{RequiresAllocateBufferOnOutputPorts: true, RequiresAllocateBufferOnInputPorts: true}}

	// Without the quirk the component refuses client memory.
	src := newTestSource(avcFormat, avcUnits(2, time.Second))
	dec, _ := newDecoder(t, spec, src, omx.Options{Quirks: &omx.Quirks{}})
	err := dec.Start(nil)
	assert.True(t, errors.Is(err, omx.ErrAllocationFailure))

	src = newTestSource(avcFormat, avcUnits(4, time.Second))
	dec, _ = newDecoder(t, spec, src, omx.Options{})
	require.NoError(t, dec.Start(nil))
	frames := readAll(t, dec)
	require.Len(t, frames, 4)
	assert.Equal(t, src.packets[3].Data, frames[3].data)
}

func TestDecoderStartTwice(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(1, time.Second))
	dec, _ := newDecoder(t, softomx.Spec{}, src, omx.Options{})

	_, err := read(t, dec, nil)
	assert.True(t, errors.Is(err, omx.ErrStartFailure))
	_, err = dec.Format()
	assert.Equal(t, omx.ErrFormatUnknown, err)

	require.NoError(t, dec.Start(nil))
	assert.True(t, errors.Is(dec.Start(nil), omx.ErrStartFailure))

	require.NoError(t, dec.Stop())
	assert.True(t, errors.Is(dec.Start(nil), omx.ErrStartFailure))
}

func TestDecoderStopInvalidatesBuffers(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(4, time.Second))
	dec, node := newDecoder(t, softomx.Spec{}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	buf, err := read(t, dec, nil)
	require.NoError(t, err)
	assert.True(t, buf.Valid())
	o := dec.Ownership(omx.PortOutput)
	assert.Equal(t, 4, o.Total())
	assert.True(t, o.Consumer >= 1)

	require.NoError(t, dec.Stop())
	assert.False(t, buf.Valid())
	assert.Nil(t, buf.Bytes())
	buf.Release() // harmless after stop

	_, err = read(t, dec, nil)
	assert.Equal(t, omx.ErrStopped, err)
	assert.NoError(t, dec.Stop())
	assert.Zero(t, node.Bound(omx.PortOutput))
}

func TestDecoderStopUnblocksRead(t *testing.T) {
	// A component that never completes a flush leaves a seeking reader
	// waiting for output.
	spec := softomx.Spec{
		Stall: func(state omx.State, cmd omx.CommandType, param uint32) bool {
			return cmd == omx.CommandFlush
		},
	}
	src := newTestSource(avcFormat, avcUnits(10, time.Second))
	dec, _ := newDecoder(t, spec, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	done := make(chan error, 1)
	go func() {
		var opts media.ReadOptions
		opts.SetSeekTo(5 * time.Second)
		for {
			buf, err := dec.Read(&opts)
			if err != nil {
				done <- err
				return
			}
			buf.Release()
			opts.ClearSeekTo()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, dec.Stop())
	select {
	case err := <-done:
		assert.Equal(t, omx.ErrStopped, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader still blocked after Stop")
	}
}

func TestDecoderStopTimeout(t *testing.T) {
	spec := softomx.Spec{
		Stall: func(state omx.State, cmd omx.CommandType, param uint32) bool {
			return state == omx.StateExecuting && cmd == omx.CommandStateSet
		},
	}
	src := newTestSource(avcFormat, avcUnits(2, time.Second))
	dec, _ := newDecoder(t, spec, src, omx.Options{CommandTimeout: 100 * time.Millisecond})
	require.NoError(t, dec.Start(nil))

	err := dec.Stop()
	assert.True(t, errors.Is(err, omx.ErrProtocol), "%v", err)
	assert.Equal(t, omx.DecoderStopped, dec.State())
	assert.Equal(t, omx.Ownership{}, dec.Ownership(omx.PortOutput))

	_, err = read(t, dec, nil)
	assert.Equal(t, omx.ErrStopped, err)
	assert.NoError(t, dec.Stop())
}

func TestDecoderStartTimeout(t *testing.T) {
	spec := softomx.Spec{
		Stall: func(state omx.State, cmd omx.CommandType, param uint32) bool {
			return state == omx.StateLoaded
		},
	}
	src := newTestSource(avcFormat, avcUnits(2, time.Second))
	dec, _ := newDecoder(t, spec, src, omx.Options{CommandTimeout: 100 * time.Millisecond})

	err := dec.Start(nil)
	assert.True(t, errors.Is(err, omx.ErrStartFailure), "%v", err)
	assert.True(t, errors.Is(err, omx.ErrProtocol), "%v", err)

	// The pending Idle never completes either.
	assert.Error(t, dec.Stop())
	assert.Equal(t, omx.Ownership{}, dec.Ownership(omx.PortInput))
}

func TestDecoderShutdownQuirks(t *testing.T) {
	quirks := []omx.Quirks{
		{DoesntFlushOnExecutingToIdle: true},
		{DoesntFlushOnExecutingToIdle: true, DoesntProperlyFlushAllPortsAtOnce: true},
		{RequiresLoadedToIdleAfterAllocation: true},
	}
	for _, q := range quirks {
		t.Run(q.String(), func(t *testing.T) {
			src := newTestSource(avcFormat, avcUnits(20, time.Second))
			dec, node := newDecoder(t, softomx.Spec{Quirks: q}, src, omx.Options{})
			require.NoError(t, dec.Start(nil))

			// Stop mid-stream, with buffers held by the component and the
			// consumer.
			buf, err := read(t, dec, nil)
			require.NoError(t, err)
			require.NoError(t, dec.Stop())
			assert.NoError(t, dec.Err())
			assert.False(t, buf.Valid())
			assert.Zero(t, node.Bound(omx.PortInput))
			assert.Zero(t, node.Bound(omx.PortOutput))
		})
	}
}

func TestDecoderComponentError(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(10, time.Second))
	dec, _ := newDecoder(t, softomx.Spec{ErrorAfter: 2}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		var buf *omx.MediaBuffer
		buf, err = read(t, dec, nil)
		if err == nil {
			buf.Release()
		}
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, omx.ErrComponent))
	var cerr *omx.ComponentError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, omx.ErrorCodeUndefined, cerr.Code)
	assert.Equal(t, omx.DecoderError, dec.State())

	// Reads keep failing with the same error.
	_, err2 := read(t, dec, nil)
	assert.Equal(t, err, err2)
	assert.NoError(t, dec.Stop())
}

func TestDecoderSourceError(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(5, time.Second))
	src.failAt, src.failErr = 2, errors.New("disk on fire")
	dec, _ := newDecoder(t, softomx.Spec{}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	var err error
	for err == nil {
		var buf *omx.MediaBuffer
		buf, err = read(t, dec, nil)
		if err == nil {
			buf.Release()
		}
	}
	assert.True(t, errors.Is(err, src.failErr), "%v", err)
}

func TestDecoderUnknownHandle(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(50, time.Second))
	dec, _ := newDecoder(t, softomx.Spec{}, src, omx.Options{})
	require.NoError(t, dec.Start(nil))

	dec.OnMessage(omx.Message{Type: omx.MessageFillBufferDone, Buffer: 9999, RangeLength: 1})
	assert.True(t, errors.Is(dec.Err(), omx.ErrProtocol))

	_, err := read(t, dec, nil)
	assert.True(t, errors.Is(err, omx.ErrProtocol))
	assert.NoError(t, dec.Stop())
}

func TestDecoderOwnership(t *testing.T) {
	src := newTestSource(avcFormat, avcUnits(40, 10*time.Millisecond))
	dec, _ := newDecoder(t, softomx.Spec{}, src, omx.Options{OutputBufferCount: 6})
	require.NoError(t, dec.Start(nil))

	var held []*omx.MediaBuffer
	n := 0
	for {
		buf, err := read(t, dec, nil)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
		held = append(held, buf)

		o := dec.Ownership(omx.PortOutput)
		assert.Equal(t, 6, o.Total())
		assert.True(t, o.Consumer >= len(held))

		// Hold up to three buffers at a time.
		if len(held) == 3 {
			for _, b := range held {
				b.Release()
			}
			held = nil
		}
	}
	for _, b := range held {
		b.Release()
	}
	assert.Equal(t, 40, n)
	assert.Equal(t, 6, dec.Ownership(omx.PortOutput).Total())
	assert.Zero(t, dec.Ownership(omx.PortOutput).Consumer)
}

func TestDecoderRenegotiation(t *testing.T) {
	quirks := []omx.Quirks{
		{},
		{DoesntReturnBuffersOnDisable: true},
		{RequiresLoadedToIdleAfterAllocation: true},
	}
	for _, q := range quirks {
		t.Run(q.String(), func(t *testing.T) {
			spec := softomx.Spec{Quirks: q, ChangeOutputAfter: 2, ChangedWidth: 32, ChangedHeight: 24}
			src := newTestSource(avcFormat, avcUnits(8, time.Second))
			dec, _ := newDecoder(t, spec, src, omx.Options{})
			require.NoError(t, dec.Start(nil))

			f, err := dec.Format()
			require.NoError(t, err)
			assert.Equal(t, media.MIMEVideoRaw, f.MIME)
			assert.Equal(t, 16, f.Width)

			frames := readAll(t, dec)
			require.Len(t, frames, 8)
			for i, fr := range frames {
				assert.Equal(t, src.packets[i].Data, fr.data, "frame %d", i)
			}

			f, err = dec.Format()
			require.NoError(t, err)
			assert.Equal(t, 32, f.Width)
			assert.Equal(t, 24, f.Height)
			assert.NoError(t, dec.Err())
			assert.NoError(t, dec.Stop())
		})
	}
}

func TestDecoderSelectsComponentByRole(t *testing.T) {
	client := softomx.NewClient()

	aac := media.Format{MIME: media.MIMEAudioAAC, SampleRate: 44100, Channels: 2}
	src := newTestSource(aac, []media.Packet{{Data: []byte{0x21, 0x10}}, {Data: []byte{0x21, 0x11}, Time: 23 * time.Millisecond}})
	dec, err := omx.NewDecoder(client, aac, src, omx.Options{})
	require.NoError(t, err)
	defer dec.Stop()
	assert.Equal(t, "OMX.aloha.audio.decoder", dec.Name())

	require.NoError(t, dec.Start(nil))
	f, err := dec.Format()
	require.NoError(t, err)
	assert.Equal(t, media.Format{MIME: media.MIMEAudioRaw, SampleRate: 44100, Channels: 2}, f)
	assert.Len(t, readAll(t, dec), 2)

	_, err = omx.NewDecoder(client, media.Format{MIME: "video/x-unknown"}, src, omx.Options{})
	assert.True(t, errors.Is(err, omx.ErrStartFailure))

	_, err = omx.NewDecoder(client, avcFormat, src, omx.Options{ComponentName: "OMX.nobody"})
	assert.True(t, errors.Is(err, omx.ErrStartFailure))
}

func TestEncoderDeliversCodecConfig(t *testing.T) {
	format := media.Format{MIME: media.MIMEVideoAVC, Width: 16, Height: 16, BitRate: 500000}
	format.CodecData = [][]byte{{0x67, 0x42}}
	raw := make([]byte, 16*16*3/2)
	src := newTestSource(format, []media.Packet{{Data: raw, KeyFrame: true}})
	dec, node := newDecoder(t, softomx.Spec{}, src, omx.Options{Encoder: true})
	require.NoError(t, dec.Start(nil))

	f, err := dec.Format()
	require.NoError(t, err)
	assert.Equal(t, media.MIMEVideoAVC, f.MIME)

	buf, err := read(t, dec, nil)
	require.NoError(t, err)
	assert.True(t, buf.CodecConfig)
	assert.Equal(t, []byte{0x67, 0x42}, buf.Bytes())
	buf.Release()

	buf, err = read(t, dec, nil)
	require.NoError(t, err)
	assert.False(t, buf.CodecConfig)
	assert.True(t, buf.SyncFrame)
	assert.Len(t, buf.Bytes(), len(raw))
	buf.Release()

	// Raw input is not treated as Annex-B.
	assert.Equal(t, []byte{0x67, 0x42}, node.Submissions()[0].Data)
}
