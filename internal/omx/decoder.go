//////////////////////////////////////////////////////////////////////////////
//
// Synchronous decoder facade over an asynchronous OpenMAX IL component
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package omx

import (
	"fmt"
	"io"
	"sync"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/logging"
	"github.com/lanikai/alohaomx/internal/media"
	"github.com/lanikai/alohaomx/internal/shm"
)

var log = logging.DefaultLogger.WithTag("omx")

// DefaultCommandTimeout bounds every wait for a component acknowledgement.
const DefaultCommandTimeout = 5 * time.Second

// DecoderState is the lifecycle state of a Decoder.
type DecoderState int

const (
	DecoderNotStarted DecoderState = iota
	DecoderStarting
	DecoderRunning
	DecoderError
	DecoderStopped
)

var decoderStateNames = [...]string{"not-started", "starting", "running", "error", "stopped"}

func (s DecoderState) String() string {
	if int(s) < len(decoderStateNames) {
		return decoderStateNames[s]
	}
	return fmt.Sprintf("DecoderState(%d)", int(s))
}

type Options struct {
	// Component to instantiate. If empty, the first component whose role
	// matches the stream is used.
	ComponentName string

	// Run the component as an encoder: Source supplies raw frames and the
	// format names the compressed output.
	Encoder bool

	// Quirks overrides the table lookup when non-nil.
	Quirks *Quirks

	// Table consulted for the component's quirks. Defaults to DefaultQuirks.
	QuirkTable *QuirkTable

	// Memory for buffers. If nil, each port allocation maps its own shared
	// memory, which is unmapped when the decoder stops.
	Memory shm.Provider

	// Buffer counts requested per port. Zero keeps the component's choice.
	InputBufferCount  int
	OutputBufferCount int

	// Bound on every wait for the component. Defaults to
	// DefaultCommandTimeout.
	CommandTimeout time.Duration
}

// Decoder drives one component node. Start, Read, Stop and Format block the
// caller; component messages arrive on OnMessage from whichever goroutine the
// host delivers them on. A single mutex guards all state, and every change
// broadcasts on the condition variable.
type Decoder struct {
	comp    Component
	name    string
	quirks  Quirks
	encoder bool
	isAVC   bool
	source  media.Source
	opts    Options

	inputFormat  media.Format
	outputFormat *media.Format

	mu   sync.Mutex
	cond *sync.Cond

	state DecoderState
	err   error // first failure, latched

	// Last state the component reported, and the last one requested of it.
	omxState    State
	targetState State

	// Set when the component reached Executing without a pending failure.
	executing bool

	ports portTracker
	reg   *registry
	csd   csdQueue

	// Shared memory mapped for each port when Options.Memory is nil.
	dealers [2]*shm.Dealer

	// Filled output buffers waiting for Read, oldest first.
	ready []*slot

	// Options for the next source read; carries a pending seek target.
	readOpts          media.ReadOptions
	reachedEndOfInput bool
	outputEOS         bool

	// Output generation, bumped by every seek.
	gen     uint64
	seeking bool

	// Flush the output port once the input flush completes.
	flushOutputAfterInput bool

	// Output reconfiguration after a port settings change.
	renegotiating      bool
	renegotiatePending bool

	stopping          bool
	shutdownInitiated bool

	// Set once the node is released; later messages are dropped.
	closed bool
}

// NewDecoder allocates a component for format and prepares a decoder for it.
// Codec data carried in format is queued ahead of the first access unit.
func NewDecoder(client Client, format media.Format, source media.Source, opts Options) (*Decoder, error) {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.QuirkTable == nil {
		opts.QuirkTable = DefaultQuirks
	}

	names := []string{opts.ComponentName}
	if opts.ComponentName == "" {
		var err error
		names, err = MatchingComponents(client, format.MIME, opts.Encoder)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, errors.Errorf("omx: no component for %s: %w", format.MIME, ErrStartFailure)
		}
	}

	d := &Decoder{
		encoder:     opts.Encoder,
		isAVC:       format.MIME == media.MIMEVideoAVC && !opts.Encoder,
		source:      source,
		opts:        opts,
		inputFormat: format,
		omxState:    StateLoaded,
		targetState: StateLoaded,
		reg:         newRegistry(),
	}
	d.cond = sync.NewCond(&d.mu)

	var lastErr error
	for _, name := range names {
		comp, err := client.AllocateNode(name, d)
		if err != nil {
			log.Warn("Failed to allocate %s: %v", name, err)
			lastErr = err
			continue
		}
		d.comp = comp
		d.name = name
		break
	}
	if d.comp == nil {
		return nil, errors.Errorf("omx: allocating node for %s: %v: %w", format.MIME, lastErr, ErrStartFailure)
	}

	if opts.Quirks != nil {
		d.quirks = *opts.Quirks
	} else {
		d.quirks = opts.QuirkTable.Lookup(d.name)
	}
	log.Info("Using %s for %s (quirks: %v)", d.name, format.MIME, d.quirks)

	for _, block := range format.CodecData {
		d.csd.push(block)
	}
	return d, nil
}

// Name returns the component name.
func (d *Decoder) Name() string {
	return d.name
}

// Quirks returns the quirks in effect for the component.
func (d *Decoder) Quirks() Quirks {
	return d.quirks
}

func (d *Decoder) State() DecoderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the latched error, if any.
func (d *Decoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Ownership reports who holds the buffers of a port.
func (d *Decoder) Ownership(port PortIndex) Ownership {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.ownership(port)
}

// AddCodecSpecificData queues a codec configuration block. Blocks are
// submitted in order, before any access unit. Only valid before Start.
func (d *Decoder) AddCodecSpecificData(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DecoderNotStarted {
		return errors.Errorf("omx: codec data added in state %v: %w", d.state, ErrStartFailure)
	}
	d.csd.push(data)
	return nil
}

type startError struct {
	cause error
}

func (e *startError) Error() string {
	return "omx: start failed: " + e.cause.Error()
}

func (e *startError) Is(target error) bool {
	return target == ErrStartFailure
}

func (e *startError) Unwrap() error {
	return e.cause
}

// Start configures the ports, allocates buffers and brings the component to
// Executing. Non-zero fields of params override the stream format. Start
// returns once the component is executing, or with the first error before
// that. Later errors are reported by Read.
func (d *Decoder) Start(params *media.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DecoderNotStarted {
		return errors.Errorf("omx: start in state %v: %w", d.state, ErrStartFailure)
	}
	d.state = DecoderStarting

	if err := d.startLocked(params); err != nil {
		d.latchLocked(err)
		return err
	}

	ok := d.waitLocked(func() bool {
		return d.executing || d.err != nil || d.stopping
	})
	switch {
	case !ok:
		err := errors.Errorf("omx: %s did not reach Executing within %v: %w", d.name, d.opts.CommandTimeout, ErrProtocol)
		d.latchLocked(err)
		return &startError{err}
	case d.executing:
		// Errors from priming the ports are reported by Read.
		return nil
	case d.err != nil:
		return &startError{d.err}
	case d.stopping:
		return errors.Errorf("omx: stopped while starting: %w", ErrStopped)
	}
	return nil
}

func (d *Decoder) startLocked(params *media.Format) error {
	format := d.inputFormat
	if params != nil {
		overrideFormat(&format, params)
	}

	d.ports.reset()
	if err := d.configurePortsLocked(format); err != nil {
		return err
	}

	allocate := func() error {
		if err := d.allocatePortLocked(PortInput); err != nil {
			return err
		}
		if err := d.allocatePortLocked(PortOutput); err != nil {
			d.releaseAllLocked()
			return err
		}
		return nil
	}

	if d.quirks.RequiresLoadedToIdleAfterAllocation {
		if err := allocate(); err != nil {
			return err
		}
		return d.sendStateLocked(StateIdle)
	}
	if err := d.sendStateLocked(StateIdle); err != nil {
		return err
	}
	return allocate()
}

func overrideFormat(f, params *media.Format) {
	if params.Width > 0 && params.Height > 0 {
		f.Width, f.Height = params.Width, params.Height
	}
	if params.SampleRate > 0 {
		f.SampleRate = params.SampleRate
	}
	if params.Channels > 0 {
		f.Channels = params.Channels
	}
	if params.BitRate > 0 {
		f.BitRate = params.BitRate
	}
}

// allocatePortLocked binds the buffers the port definition asks for.
func (d *Decoder) allocatePortLocked(port PortIndex) error {
	def, err := d.comp.GetPortDefinition(port)
	if err != nil {
		return transportError("get "+port.String()+" port definition", err)
	}

	want := d.opts.InputBufferCount
	if port == PortOutput {
		want = d.opts.OutputBufferCount
	}
	if want > 0 && want != def.BufferCountActual {
		if want < def.BufferCountMin {
			want = def.BufferCountMin
		}
		def.BufferCountActual = want
		if err := d.comp.SetPortDefinition(def); err != nil {
			return transportError("set "+port.String()+" buffer count", err)
		}
	}

	// Every buffer of the port has been released by now, so the mapping of a
	// previous allocation can go.
	if old := d.dealers[port]; old != nil {
		d.dealers[port] = nil
		if err := old.Close(); err != nil {
			log.Warn("%s: unmapping %v port memory: %v", d.name, port, err)
		}
	}

	mem := d.opts.Memory
	if mem == nil && def.BufferCountActual > 0 && def.BufferSize > 0 {
		// Room for alignment padding of every buffer.
		capacity := def.BufferCountActual * (def.BufferSize + 64)
		dealer, err := shm.NewDealer(fmt.Sprintf("%s.%v", d.name, port), capacity)
		if err != nil {
			return errors.Errorf("omx: mapping %d bytes for %v port: %v: %w", capacity, port, err, ErrAllocationFailure)
		}
		d.dealers[port] = dealer
		mem = dealer
	}

	backup := d.quirks.RequiresAllocateBufferOnInputPorts
	if port == PortOutput {
		backup = d.quirks.RequiresAllocateBufferOnOutputPorts
	}
	return d.reg.allocate(d.comp, mem, port, def.BufferCountActual, def.BufferSize, backup)
}

func (d *Decoder) releaseAllLocked() {
	if err := d.reg.releaseAll(d.comp); err != nil {
		log.Warn("%s: releasing buffers: %v", d.name, err)
	}
}

func (d *Decoder) sendStateLocked(s State) error {
	log.Debug("%s: requesting %v", d.name, s)
	if err := d.comp.SendCommand(CommandStateSet, uint32(s)); err != nil {
		return transportError("request "+s.String(), err)
	}
	d.targetState = s
	return nil
}

func (d *Decoder) sendCommandLocked(cmd CommandType, port PortIndex) error {
	log.Debug("%s: %v %v", d.name, cmd, port)
	if err := d.comp.SendCommand(cmd, uint32(port)); err != nil {
		return transportError(fmt.Sprintf("%v %v", cmd, port), err)
	}
	return nil
}

// latchLocked records the first failure. Every waiter is woken so reads fail
// fast from here on.
func (d *Decoder) latchLocked(err error) {
	if d.err == nil {
		log.Error("%s: %v", d.name, err)
		d.err = err
		if d.state != DecoderStopped {
			d.state = DecoderError
		}
	} else {
		log.Debug("%s: ignoring further error: %v", d.name, err)
	}
	d.cond.Broadcast()
}

// waitLocked blocks until done returns true, or until the command timeout
// expires, in which case it returns false.
func (d *Decoder) waitLocked(done func() bool) bool {
	if done() {
		return true
	}
	expired := false
	timer := time.AfterFunc(d.opts.CommandTimeout, func() {
		d.mu.Lock()
		expired = true
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	for !done() {
		if expired {
			return false
		}
		d.cond.Wait()
	}
	return true
}

// Read returns the next decoded buffer, blocking until one is ready. A seek
// target in opts flushes the pipeline and restarts decoding at the first
// access unit at or after the target. Read returns io.EOF after the last
// buffer, ErrStopped once Stop was called, or the latched error.
func (d *Decoder) Read(opts *media.ReadOptions) (*MediaBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case DecoderNotStarted, DecoderStarting:
		return nil, errors.Errorf("omx: read in state %v: %w", d.state, ErrStartFailure)
	}

	if t, ok := opts.SeekTo(); ok && d.err == nil && !d.stopping {
		if err := d.seekLocked(t); err != nil {
			d.latchLocked(err)
		}
	}

	for {
		switch {
		case d.stopping || d.state == DecoderStopped:
			return nil, ErrStopped
		case d.err != nil:
			return nil, d.err
		case len(d.ready) > 0:
			s := d.ready[0]
			d.ready[0] = nil
			d.ready = d.ready[1:]
			return s.buf, nil
		case d.outputEOS:
			return nil, io.EOF
		}
		d.cond.Wait()
	}
}

// Format returns the format of the decoded output. It changes when the
// component renegotiates its output port.
func (d *Decoder) Format() (media.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outputFormat == nil {
		return media.Format{}, ErrFormatUnknown
	}
	return *d.outputFormat, nil
}

// BufferReturned is called when the consumer releases a MediaBuffer. The
// buffer goes back to the component, unless the port is being torn down.
func (d *Decoder) BufferReturned(buf *MediaBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	s, ok := d.reg.slots[buf.id]
	if !ok || s.buf != buf {
		// Already reclaimed by a seek or teardown.
		return
	}
	s.buf = nil
	buf.invalidate()
	s.owner = OwnerFree

	if d.err != nil || d.shutdownInitiated {
		return
	}

	var err error
	switch d.ports.get(PortOutput) {
	case PortActive:
		err = d.fillBufferLocked(s)
	case PortDisabled:
		err = d.reg.release(d.comp, s.id)
	}
	if err != nil {
		d.latchLocked(err)
	}
}

// Stop tears the component down to Loaded and releases the node. Every
// MediaBuffer becomes invalid. Stop is idempotent; concurrent callers wait
// for the first to finish.
func (d *Decoder) Stop() error {
	d.mu.Lock()

	if d.state == DecoderStopped {
		d.mu.Unlock()
		return nil
	}
	if d.stopping {
		for d.state != DecoderStopped {
			d.cond.Wait()
		}
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	d.cond.Broadcast()

	var err error
	if d.state != DecoderNotStarted {
		d.shutdownInitiated = true
		if serr := d.advanceShutdownLocked(); serr != nil {
			d.latchLocked(serr)
			err = serr
		}
		if !d.waitLocked(d.teardownDoneLocked) {
			err = errors.Errorf("omx: %s did not shut down within %v (state %v, ports %v/%v): %w",
				d.name, d.opts.CommandTimeout, d.omxState,
				d.ports.get(PortInput), d.ports.get(PortOutput), ErrProtocol)
			log.Error("%v", err)
		}
	}

	// Whatever the component never gave back is reclaimed here.
	d.releaseAllLocked()
	d.ready = nil
	d.state = DecoderStopped
	d.closed = true
	d.cond.Broadcast()
	comp, dealers := d.comp, d.dealers
	d.dealers = [2]*shm.Dealer{}
	d.mu.Unlock()

	if cerr := comp.Close(); cerr != nil && err == nil {
		err = transportError("free node", cerr)
	}
	for _, dealer := range dealers {
		if dealer != nil {
			dealer.Close()
		}
	}
	log.Info("%s: stopped", d.name)
	return err
}

func (d *Decoder) teardownDoneLocked() bool {
	switch d.omxState {
	case StateLoaded, StateInvalid:
		return d.reg.empty()
	}
	return false
}
