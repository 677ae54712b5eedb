package omx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/media"
	"github.com/lanikai/alohaomx/internal/shm"
)

// scriptedComponent answers with a fixed output definition and never sends
// messages of its own; the test plays them into the decoder.
type scriptedComponent struct {
	*bindingComponent
	out      PortDefinition
	commands []CommandType
}

func (c *scriptedComponent) SendCommand(cmd CommandType, param uint32) error {
	c.commands = append(c.commands, cmd)
	return nil
}

func (c *scriptedComponent) GetPortDefinition(port PortIndex) (PortDefinition, error) {
	if port == PortOutput {
		return c.out, nil
	}
	return PortDefinition{Port: port}, nil
}

func videoOutput(width, height int) PortDefinition {
	def := PortDefinition{
		Port:              PortOutput,
		Enabled:           true,
		BufferCountActual: 2,
		BufferCountMin:    2,
		BufferSize:        yuv420Size(width, height),
		Domain:            DomainVideo,
	}
	def.Video.Width, def.Video.Height = width, height
	return def
}

func filled(id BufferID, n uint32) Message {
	return Message{Type: MessageFillBufferDone, Buffer: id, RangeLength: n}
}

func completed(cmd CommandType, port PortIndex) Message {
	return Message{Type: MessageEvent, Event: EventCmdComplete, Data1: uint32(cmd), Data2: uint32(port)}
}

// newExecutingDecoder returns a decoder whose component is already executing
// with every output buffer submitted. It has no input buffers.
func newExecutingDecoder(t *testing.T) (*Decoder, *scriptedComponent) {
	comp := &scriptedComponent{bindingComponent: newBindingComponent(), out: videoOutput(16, 16)}
	d := &Decoder{
		comp:        comp,
		name:        "OMX.aloha.scripted",
		opts:        Options{CommandTimeout: time.Second},
		inputFormat: media.Format{MIME: media.MIMEVideoAVC, Width: 16, Height: 16},
		state:       DecoderRunning,
		omxState:    StateExecuting,
		targetState: StateExecuting,
		executing:   true,
		reg:         newRegistry(),
	}
	d.cond = sync.NewCond(&d.mu)
	d.ports.reset()

	d.mu.Lock()
	err := d.allocatePortLocked(PortOutput)
	if err == nil {
		err = d.refillOutputLocked()
	}
	d.mu.Unlock()
	require.NoError(t, err)

	t.Cleanup(func() {
		d.mu.Lock()
		d.releaseAllLocked()
		dealers := d.dealers
		d.mu.Unlock()
		for _, dealer := range dealers {
			if dealer != nil {
				dealer.Close()
			}
		}
	})
	return d, comp
}

func outputIDs(d *Decoder) []BufferID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BufferID(nil), d.reg.order[PortOutput]...)
}

func TestReconfigureDropsDetachedFrames(t *testing.T) {
	d, comp := newExecutingDecoder(t)
	ids := outputIDs(d)
	require.Len(t, ids, 2)

	// One frame is waiting for Read when the geometry changes; the other
	// comes back while the port is being disabled.
	d.OnMessage(filled(ids[0], 3))
	comp.out = videoOutput(32, 32)
	d.OnMessage(Message{Type: MessageEvent, Event: EventPortSettingsChanged, Data1: uint32(PortOutput)})
	d.OnMessage(filled(ids[1], 3))
	d.OnMessage(completed(CommandPortDisable, PortOutput))
	require.NoError(t, d.Err())

	d.mu.Lock()
	assert.Empty(t, d.ready, "ready queue holds freed buffers")
	d.mu.Unlock()
	assert.Equal(t, []CommandType{CommandPortDisable, CommandPortEnable}, comp.commands)

	d.OnMessage(completed(CommandPortEnable, PortOutput))
	fresh := outputIDs(d)
	require.Len(t, fresh, 2)
	assert.NotContains(t, fresh, ids[0])
	d.OnMessage(filled(fresh[0], 5))

	buf, err := d.Read(nil)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Len(t, buf.Bytes(), 5)
	buf.Release()

	f, err := d.Format()
	require.NoError(t, err)
	assert.Equal(t, 32, f.Width)
}

func TestReconfigureUnmapsOldOutputMemory(t *testing.T) {
	d, comp := newExecutingDecoder(t)
	ids := outputIDs(d)
	old := d.dealers[PortOutput]
	require.NotNil(t, old)

	comp.out = videoOutput(32, 32)
	d.OnMessage(Message{Type: MessageEvent, Event: EventPortSettingsChanged, Data1: uint32(PortOutput)})
	for _, id := range ids {
		d.OnMessage(filled(id, 0))
	}
	d.OnMessage(completed(CommandPortDisable, PortOutput))
	require.NoError(t, d.Err())

	d.mu.Lock()
	current := d.dealers[PortOutput]
	d.mu.Unlock()
	require.NotNil(t, current)
	assert.NotSame(t, old, current)

	_, err := old.Allocate(64)
	assert.True(t, errors.Is(err, shm.ErrClosed), "old output memory still mapped")
	assert.GreaterOrEqual(t, current.Capacity(), 2*yuv420Size(32, 32))
}
