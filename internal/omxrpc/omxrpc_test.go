package omxrpc_test

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohaomx/internal/media"
	"github.com/lanikai/alohaomx/internal/media/h264"
	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/omxrpc"
	"github.com/lanikai/alohaomx/internal/softomx"
)

type packetSource struct {
	packets []media.Packet
	pos     int
}

func (s *packetSource) Format() media.Format {
	return media.Format{MIME: media.MIMEVideoAVC, Width: 16, Height: 16}
}

func (s *packetSource) Read(opts *media.ReadOptions) (*media.Packet, error) {
	if t, ok := opts.SeekTo(); ok {
		s.pos = len(s.packets)
		for i, p := range s.packets {
			if p.Time >= t {
				s.pos = i
				break
			}
		}
	}
	if s.pos >= len(s.packets) {
		return nil, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return &p, nil
}

func (s *packetSource) Close() error {
	return nil
}

func newPacketSource(n int) *packetSource {
	s := &packetSource{}
	for i := 0; i < n; i++ {
		header := byte(0x41)
		if i%5 == 0 {
			header = 0x65
		}
		s.packets = append(s.packets, media.Packet{
			Data:     h264.AnnexB(append([]byte{header}, fmt.Sprintf("remote-%d", i)...)),
			Time:     time.Duration(i) * 40 * time.Millisecond,
			KeyFrame: i%5 == 0,
		})
	}
	return s
}

// serve starts a server over soft components and dials it.
func serve(t *testing.T, specs ...softomx.Spec) (*omxrpc.Client, *softomx.Client, *omxrpc.Server) {
	t.Helper()
	local := softomx.NewClient(specs...)
	rpc := omxrpc.NewServer(local)
	srv := httptest.NewServer(rpc)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { rpc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	remote, err := omxrpc.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { remote.Close() })
	return remote, local, rpc
}

func decodeAll(t *testing.T, dec *omx.Decoder, opts *media.ReadOptions) []media.Packet {
	t.Helper()
	var out []media.Packet
	done := make(chan error, 1)
	go func() {
		for {
			buf, err := dec.Read(opts)
			opts = nil
			if err != nil {
				done <- err
				return
			}
			out = append(out, media.Packet{Data: append([]byte(nil), buf.Bytes()...), Time: buf.Time})
			buf.Release()
		}
	}()
	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(10 * time.Second):
		t.Fatal("decode did not finish")
	}
	return out
}

func TestRemoteListComponents(t *testing.T) {
	remote, _, _ := serve(t)

	infos, err := remote.ListComponents()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "OMX.aloha.video.decoder", infos[0].Name)
	assert.Contains(t, infos[0].Roles, "video_decoder.avc")

	names, err := omx.MatchingComponents(remote, media.MIMEVideoAVC, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"OMX.aloha.video.decoder"}, names)
}

func TestRemoteDecode(t *testing.T) {
	remote, local, _ := serve(t)
	src := newPacketSource(12)

	dec, err := omx.NewDecoder(remote, src.Format(), src, omx.Options{CommandTimeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "OMX.aloha.video.decoder", dec.Name())
	require.NoError(t, dec.Start(nil))
	nodes := local.Nodes()
	require.Len(t, nodes, 1)

	frames := decodeAll(t, dec, nil)
	require.Len(t, frames, len(src.packets))
	for i, f := range frames {
		assert.Equal(t, src.packets[i].Data, f.Data)
		assert.Equal(t, src.packets[i].Time, f.Time)
	}

	require.NoError(t, dec.Stop())
	assert.Zero(t, nodes[0].Bound(omx.PortInput))
	assert.Zero(t, nodes[0].Bound(omx.PortOutput))
	assert.Eventually(t, func() bool {
		return len(local.Nodes()) == 0
	}, 2*time.Second, 10*time.Millisecond, "node outlived its session")
}

func TestRemoteDecodeWithQuirks(t *testing.T) {
	spec := softomx.Spec{
		Name:  "OMX.aloha.quirky",
		Roles: []string{"video_decoder.avc"},
		Quirks: omx.Quirks{
			RequiresAllocateBufferOnInputPorts:  true,
			RequiresAllocateBufferOnOutputPorts: true,
			RequiresLoadedToIdleAfterAllocation: true,
			DoesntReturnBuffersOnDisable:        true,
		},
		ChangeOutputAfter: 3,
		ChangedWidth:      32,
		ChangedHeight:     32,
	}
	remote, _, _ := serve(t, spec)
	src := newPacketSource(10)

	q := spec.Quirks
	dec, err := omx.NewDecoder(remote, src.Format(), src, omx.Options{
		ComponentName:  spec.Name,
		Quirks:         &q,
		CommandTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer dec.Stop()
	require.NoError(t, dec.Start(nil))

	var opts media.ReadOptions
	opts.SetSeekTo(200 * time.Millisecond)
	frames := decodeAll(t, dec, &opts)
	require.Len(t, frames, 5)
	assert.Equal(t, 200*time.Millisecond, frames[0].Time)

	f, err := dec.Format()
	require.NoError(t, err)
	assert.Equal(t, 32, f.Width)
	assert.NoError(t, dec.Err())
}

func TestServerRefusesAfterClose(t *testing.T) {
	local := softomx.NewClient()
	rpc := omxrpc.NewServer(local)
	srv := httptest.NewServer(rpc)
	defer srv.Close()
	require.NoError(t, rpc.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	remote, err := omxrpc.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer remote.Close()
	_, err = remote.ListComponents()
	assert.Error(t, err)
}

func TestRemoteUnknownComponent(t *testing.T) {
	remote, _, _ := serve(t)

	_, err := remote.AllocateNode("OMX.nobody", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OMX.nobody")
}

func TestRemoteConnectionClosed(t *testing.T) {
	remote, local, rpc := serve(t)

	_, err := remote.ListComponents()
	require.NoError(t, err)
	_, err = remote.AllocateNode("OMX.aloha.video.decoder", nil)
	require.NoError(t, err)
	require.Len(t, local.Nodes(), 1)

	require.NoError(t, rpc.Close())
	assert.Eventually(t, func() bool {
		_, err := remote.ListComponents()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(local.Nodes()) == 0
	}, 2*time.Second, 10*time.Millisecond, "nodes of a dropped peer are freed")

	remote.Close()
	_, err = remote.ListComponents()
	assert.Error(t, err)
}
