package omx

import (
	"io"
	"time"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/media/h264"
)

// OnMessage handles one component notification. It implements Observer.
// Errors are latched rather than returned; the component keeps running until
// Stop.
func (d *Decoder) OnMessage(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		log.Debug("%s: dropping %v after stop", d.name, msg)
		return
	}
	log.Trace(6, "%s: %v", d.name, msg)

	var err error
	switch msg.Type {
	case MessageEvent:
		err = d.onEvent(msg.Event, msg.Data1, msg.Data2)
	case MessageEmptyBufferDone:
		err = d.onEmptyBufferDone(msg.Buffer)
	case MessageFillBufferDone:
		err = d.onFillBufferDone(msg)
	default:
		err = errors.Errorf("omx: unknown message type %d: %w", msg.Type, ErrProtocol)
	}
	if err != nil {
		d.latchLocked(err)
	}
	d.cond.Broadcast()
}

func (d *Decoder) onEvent(event EventType, data1, data2 uint32) error {
	switch event {
	case EventCmdComplete:
		return d.onCmdComplete(CommandType(data1), data2)
	case EventError:
		return &ComponentError{Code: data1}
	case EventPortSettingsChanged:
		return d.onPortSettingsChanged(PortIndex(data1))
	case EventBufferFlag:
		log.Debug("%s: %v port saw flags %#x", d.name, PortIndex(data1), data2)
		return nil
	}
	log.Warn("%s: ignoring event %d (%#x, %#x)", d.name, event, data1, data2)
	return nil
}

func (d *Decoder) onCmdComplete(cmd CommandType, data uint32) error {
	switch cmd {
	case CommandStateSet:
		return d.onStateChanged(State(data))
	case CommandFlush:
		port := PortIndex(data)
		if port == PortAll {
			if err := d.onFlushComplete(PortInput); err != nil {
				return err
			}
			return d.onFlushComplete(PortOutput)
		}
		return d.onFlushComplete(port)
	case CommandPortDisable:
		return d.onPortDisabled(PortIndex(data))
	case CommandPortEnable:
		return d.onPortEnabled(PortIndex(data))
	}
	return errors.Errorf("omx: completion of unknown command %v: %w", cmd, ErrProtocol)
}

func (d *Decoder) onStateChanged(to State) error {
	from := d.omxState
	d.omxState = to
	log.Debug("%s: %v -> %v", d.name, from, to)

	switch to {
	case StateIdle:
		if from == StateLoaded && !d.shutdownInitiated && d.err == nil {
			return d.sendStateLocked(StateExecuting)
		}
		// Either shutting down from Executing, or a stop or failure raced
		// the start.
		return d.unwindFromIdleLocked()

	case StateExecuting:
		if d.shutdownInitiated {
			return d.beginShutdownLocked()
		}
		if d.err != nil {
			return nil
		}
		d.state = DecoderRunning
		d.executing = true
		return d.postStartLocked()

	case StateLoaded:
		if !d.reg.empty() {
			return errors.Errorf("omx: %s reached Loaded with %d buffers bound: %w", d.name, len(d.reg.slots), ErrProtocol)
		}
		return nil

	case StateInvalid:
		return errors.Errorf("omx: %s became invalid: %w", d.name, ErrProtocol)
	}
	return nil
}

// postStartLocked hands every output buffer to the component and primes the
// input port.
func (d *Decoder) postStartLocked() error {
	var err error
	d.reg.each(PortOutput, func(s *slot) {
		if err == nil && s.owner == OwnerFree {
			err = d.fillBufferLocked(s)
		}
	})
	if err != nil {
		return err
	}
	return d.drainInputLocked()
}

// unwindFromIdleLocked requests Loaded and frees every buffer, which the
// component needs before it can complete that transition.
func (d *Decoder) unwindFromIdleLocked() error {
	d.ports.status = [2]PortStatus{PortShutdown, PortShutdown}
	d.ready = nil
	err := d.sendStateLocked(StateLoaded)
	d.releaseAllLocked()
	return err
}

// advanceShutdownLocked starts teardown from whatever state the component is
// in. Transitions already in flight finish first; their completion picks up
// the shutdown.
func (d *Decoder) advanceShutdownLocked() error {
	switch d.omxState {
	case StateExecuting:
		return d.beginShutdownLocked()
	case StateIdle:
		if d.targetState == StateExecuting {
			return nil
		}
		return d.unwindFromIdleLocked()
	case StateLoaded:
		if d.targetState == StateIdle && !d.reg.empty() {
			return nil
		}
		d.releaseAllLocked()
	case StateInvalid:
		d.releaseAllLocked()
	}
	return nil
}

// beginShutdownLocked moves both ports towards shutdown. Components that
// hold on to their buffers across Executing→Idle are flushed first.
func (d *Decoder) beginShutdownLocked() error {
	if !d.quirks.DoesntFlushOnExecutingToIdle {
		d.ports.status = [2]PortStatus{PortShutdown, PortShutdown}
		return d.sendStateLocked(StateIdle)
	}

	var flush [2]bool
	for _, port := range []PortIndex{PortInput, PortOutput} {
		switch d.ports.get(port) {
		case PortActive:
			flush[port] = true
			d.ports.set(port, PortFlushingToShutdown)
		case PortFlushing, PortFlushingToDisabled:
			// A flush is already outstanding; its completion counts.
			d.ports.set(port, PortFlushingToShutdown)
		case PortDisabled:
			d.ports.set(port, PortShutdown)
		}
	}

	in, out := flush[PortInput], flush[PortOutput]
	switch {
	case in && out && d.quirks.DoesntProperlyFlushAllPortsAtOnce:
		d.flushOutputAfterInput = true
		return d.sendCommandLocked(CommandFlush, PortInput)
	case in && out:
		return d.sendCommandLocked(CommandFlush, PortAll)
	case in:
		return d.sendCommandLocked(CommandFlush, PortInput)
	case out:
		return d.sendCommandLocked(CommandFlush, PortOutput)
	}
	if d.ports.bothShutdown() {
		return d.sendStateLocked(StateIdle)
	}
	return nil
}

func (d *Decoder) onFlushComplete(port PortIndex) error {
	if port != PortInput && port != PortOutput {
		return errors.Errorf("omx: flush completed on %v: %w", port, ErrProtocol)
	}

	followUp := func() error {
		if port == PortInput && d.flushOutputAfterInput {
			d.flushOutputAfterInput = false
			return d.sendCommandLocked(CommandFlush, PortOutput)
		}
		return nil
	}

	switch status := d.ports.get(port); status {
	case PortFlushing:
		if err := d.ports.set(port, PortActive); err != nil {
			return err
		}
		if err := followUp(); err != nil {
			return err
		}
		if port == PortOutput {
			if d.renegotiatePending {
				d.renegotiatePending = false
				return d.renegotiateLocked()
			}
			if err := d.refillOutputLocked(); err != nil {
				return err
			}
		}
		return d.drainInputLocked()

	case PortFlushingToDisabled:
		return d.disableOutputLocked()

	case PortFlushingToShutdown:
		d.ports.set(port, PortShutdown)
		if err := followUp(); err != nil {
			return err
		}
		if d.ports.bothShutdown() {
			return d.sendStateLocked(StateIdle)
		}
		return nil

	case PortShutdown:
		// A seek flush that was overtaken by Executing→Idle.
		return nil

	default:
		return errors.Errorf("omx: unexpected flush completion on %v port (%v): %w", port, status, ErrProtocol)
	}
}

// refillOutputLocked resubmits every free output buffer.
func (d *Decoder) refillOutputLocked() error {
	var err error
	d.reg.each(PortOutput, func(s *slot) {
		if err == nil && s.owner == OwnerFree {
			err = d.fillBufferLocked(s)
		}
	})
	return err
}

func (d *Decoder) fillBufferLocked(s *slot) error {
	s.owner = OwnerComponent
	s.gen = d.gen
	if err := d.comp.FillBuffer(s.id); err != nil {
		s.owner = OwnerFree
		return transportError("fill buffer", err)
	}
	return nil
}

func (d *Decoder) onPortSettingsChanged(port PortIndex) error {
	if port != PortOutput {
		return errors.Errorf("omx: settings of %v port changed: %w", port, ErrProtocol)
	}
	if d.shutdownInitiated || d.err != nil {
		return nil
	}
	if d.renegotiating {
		log.Debug("%s: output settings changed again during reconfiguration", d.name)
		return nil
	}
	if d.ports.get(PortOutput) == PortFlushing {
		d.renegotiatePending = true
		return nil
	}
	return d.renegotiateLocked()
}

// renegotiateLocked begins output reconfiguration: disable the port, free its
// buffers, then reallocate for the new definition once the disable completes.
func (d *Decoder) renegotiateLocked() error {
	log.Info("%s: output port settings changed, reconfiguring", d.name)
	d.renegotiating = true

	if d.quirks.DoesntReturnBuffersOnDisable {
		if err := d.ports.set(PortOutput, PortFlushingToDisabled); err != nil {
			return err
		}
		return d.sendCommandLocked(CommandFlush, PortOutput)
	}
	return d.disableOutputLocked()
}

func (d *Decoder) disableOutputLocked() error {
	if err := d.ports.set(PortOutput, PortDisabled); err != nil {
		return err
	}
	if err := d.sendCommandLocked(CommandPortDisable, PortOutput); err != nil {
		return err
	}

	if d.quirks.DoesntReturnBuffersOnDisable {
		// The component keeps these; take them back by bookkeeping.
		d.reg.each(PortOutput, func(s *slot) {
			if s.owner == OwnerComponent {
				s.owner = OwnerFree
			}
		})
	}

	// Consumer-held buffers are freed as they come back.
	return d.reg.releaseWhere(d.comp, PortOutput, func(s *slot) bool {
		return s.owner != OwnerFree
	})
}

func (d *Decoder) onPortDisabled(port PortIndex) error {
	if port != PortOutput || !d.renegotiating {
		return errors.Errorf("omx: unexpected disable of %v port: %w", port, ErrProtocol)
	}
	if d.shutdownInitiated || d.err != nil {
		return nil
	}
	if n := d.reg.size(PortOutput); n > 0 {
		// Still lent to the consumer; they belong to the old geometry.
		log.Debug("%s: detaching %d output buffers held across reconfiguration", d.name, n)
		err := d.reg.releasePort(d.comp, PortOutput)
		d.dropReleasedLocked()
		if err != nil {
			return err
		}
	}

	if err := d.refreshOutputFormatLocked(); err != nil {
		return err
	}
	d.dumpPortDefinition(PortOutput)

	if d.quirks.RequiresLoadedToIdleAfterAllocation {
		if err := d.allocatePortLocked(PortOutput); err != nil {
			return err
		}
		return d.sendCommandLocked(CommandPortEnable, PortOutput)
	}
	if err := d.sendCommandLocked(CommandPortEnable, PortOutput); err != nil {
		return err
	}
	return d.allocatePortLocked(PortOutput)
}

// dropReleasedLocked removes freed slots from the ready queue. Frames decoded
// at the old geometry and never read are lost.
func (d *Decoder) dropReleasedLocked() {
	kept := d.ready[:0]
	for _, s := range d.ready {
		if s.buf != nil {
			kept = append(kept, s)
		}
	}
	if n := len(d.ready) - len(kept); n > 0 {
		log.Debug("%s: dropped %d unread frames of the old output format", d.name, n)
	}
	for i := len(kept); i < len(d.ready); i++ {
		d.ready[i] = nil
	}
	d.ready = kept
}

func (d *Decoder) onPortEnabled(port PortIndex) error {
	if port != PortOutput || !d.renegotiating {
		return errors.Errorf("omx: unexpected enable of %v port: %w", port, ErrProtocol)
	}
	d.renegotiating = false
	if d.shutdownInitiated || d.err != nil {
		return nil
	}
	if err := d.ports.set(PortOutput, PortActive); err != nil {
		return err
	}
	log.Debug("%s: output port reconfigured", d.name)
	if err := d.refillOutputLocked(); err != nil {
		return err
	}
	return d.drainInputLocked()
}

func (d *Decoder) onEmptyBufferDone(id BufferID) error {
	s, err := d.reg.correlate(id)
	if err != nil {
		return err
	}
	if s.port != PortInput || s.owner != OwnerComponent {
		return errors.Errorf("omx: component emptied %v it does not own: %w", s, ErrProtocol)
	}
	s.owner = OwnerFree
	return d.drainInputLocked()
}

func (d *Decoder) canSubmitInputLocked() bool {
	if d.err != nil || d.shutdownInitiated || d.omxState != StateExecuting {
		return false
	}
	if d.reachedEndOfInput || d.ports.get(PortInput) != PortActive {
		return false
	}
	// Hold input until the output flush of a seek has completed.
	return !d.seeking || d.ports.get(PortOutput) != PortFlushing
}

// drainInputLocked fills and submits free input buffers while the port
// accepts them and there is data.
func (d *Decoder) drainInputLocked() error {
	for _, id := range append([]BufferID(nil), d.reg.order[PortInput]...) {
		if !d.canSubmitInputLocked() {
			return nil
		}
		s := d.reg.slots[id]
		if s.owner != OwnerFree {
			continue
		}
		if err := d.fillInputLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// fillInputLocked copies the next codec data block or access unit into s and
// submits it. At the end of the source an empty EOS buffer goes out.
func (d *Decoder) fillInputLocked(s *slot) error {
	dst := s.mem.Bytes()
	var (
		data  []byte
		flags uint32
		ts    int64
	)

	if block, ok := d.csd.pop(); ok {
		data = block
		if d.isAVC && !d.quirks.WantsRawNALFrames {
			data = h264.AnnexB(block)
		}
		flags = BufferFlagCodecConfig | BufferFlagEndOfFrame
	} else {
		pkt, err := d.source.Read(&d.readOpts)
		d.readOpts.ClearSeekTo()
		switch {
		case err == io.EOF:
			log.Debug("%s: end of input", d.name)
			d.reachedEndOfInput = true
			flags = BufferFlagEOS
		case err != nil:
			return errors.Errorf("omx: reading source: %w", err)
		default:
			data = pkt.Data
			if d.isAVC && d.quirks.WantsRawNALFrames {
				data = h264.StripStartCode(data)
			}
			flags = BufferFlagEndOfFrame
			if pkt.KeyFrame {
				flags |= BufferFlagSyncFrame
			}
			ts = d.toComponentTime(pkt.Time)
		}
	}

	if len(data) > len(dst) {
		return errors.Errorf("omx: %d-byte input exceeds %d-byte buffer: %w", len(data), len(dst), ErrAllocationFailure)
	}
	n := copy(dst, data)

	s.owner = OwnerComponent
	if err := d.comp.EmptyBuffer(s.id, 0, uint32(n), flags, ts); err != nil {
		s.owner = OwnerFree
		return transportError("empty buffer", err)
	}
	return nil
}

func (d *Decoder) onFillBufferDone(msg Message) error {
	s, err := d.reg.correlate(msg.Buffer)
	if err != nil {
		return err
	}
	if s.port != PortOutput || s.owner != OwnerComponent {
		return errors.Errorf("omx: component filled %v it does not own: %w", s, ErrProtocol)
	}
	s.owner = OwnerFree

	if d.err != nil || d.shutdownInitiated {
		return nil
	}
	switch d.ports.get(PortOutput) {
	case PortActive:
	case PortDisabled:
		return d.reg.release(d.comp, s.id)
	default:
		// Resubmitted or released when the outstanding flush completes.
		return nil
	}

	if s.gen != d.gen {
		log.Trace(5, "%s: dropping output from before seek", d.name)
		return d.fillBufferLocked(s)
	}

	codecConfig := msg.Flags&BufferFlagCodecConfig != 0
	eos := msg.Flags&BufferFlagEOS != 0
	if codecConfig && !d.encoder {
		return d.fillBufferLocked(s)
	}
	if msg.RangeLength == 0 {
		if eos {
			log.Debug("%s: end of output", d.name)
			d.outputEOS = true
			return nil
		}
		return d.fillBufferLocked(s)
	}

	mem := s.mem.Bytes()
	end := uint64(msg.RangeOffset) + uint64(msg.RangeLength)
	if end > uint64(len(mem)) {
		return errors.Errorf("omx: %v range %d+%d exceeds %d bytes: %w",
			s, msg.RangeOffset, msg.RangeLength, len(mem), ErrProtocol)
	}

	buf := newMediaBuffer(d, s.id, mem[msg.RangeOffset:end])
	buf.Time = d.fromComponentTime(msg.Timestamp)
	buf.SyncFrame = msg.Flags&BufferFlagSyncFrame != 0
	buf.CodecConfig = codecConfig
	buf.EOS = eos

	s.owner = OwnerConsumer
	s.buf = buf
	d.ready = append(d.ready, s)
	if eos {
		d.outputEOS = true
	}
	if d.seeking {
		log.Debug("%s: first output after seek at %v", d.name, buf.Time)
		d.seeking = false
	}
	return nil
}

func (d *Decoder) toComponentTime(t time.Duration) int64 {
	if d.quirks.MeasuresTimeInMilliseconds {
		return t.Milliseconds()
	}
	return t.Microseconds()
}

func (d *Decoder) fromComponentTime(ts int64) time.Duration {
	if d.quirks.MeasuresTimeInMilliseconds {
		return time.Duration(ts) * time.Millisecond
	}
	return time.Duration(ts) * time.Microsecond
}
