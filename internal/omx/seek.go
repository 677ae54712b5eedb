package omx

import "time"

// seekLocked discards everything decoded so far and flushes the pipeline. The
// next source read carries the target; output resumes with the first buffer
// the component fills after the flush.
func (d *Decoder) seekLocked(t time.Duration) error {
	log.Debug("%s: seeking to %v", d.name, t)

	d.seeking = true
	d.gen++
	d.readOpts.SetSeekTo(t)
	d.reachedEndOfInput = false
	d.outputEOS = false

	out := d.ports.get(PortOutput)
	for _, s := range d.ready {
		s.buf.invalidate()
		s.buf = nil
		s.owner = OwnerFree
		if out == PortDisabled {
			if err := d.reg.release(d.comp, s.id); err != nil {
				return err
			}
		}
	}
	d.ready = nil

	flushOut := out == PortActive
	flushIn := d.ports.get(PortInput) == PortActive && d.reg.count(PortInput, OwnerComponent) > 0

	if flushOut {
		if err := d.ports.set(PortOutput, PortFlushing); err != nil {
			return err
		}
	}
	if flushIn {
		if err := d.ports.set(PortInput, PortFlushing); err != nil {
			return err
		}
	}

	switch {
	case flushIn && flushOut && d.quirks.DoesntProperlyFlushAllPortsAtOnce:
		d.flushOutputAfterInput = true
		return d.sendCommandLocked(CommandFlush, PortInput)
	case flushIn && flushOut:
		return d.sendCommandLocked(CommandFlush, PortAll)
	case flushIn:
		return d.sendCommandLocked(CommandFlush, PortInput)
	case flushOut:
		return d.sendCommandLocked(CommandFlush, PortOutput)
	}

	// Nothing to flush; the input port takes the seek read right away.
	return d.drainInputLocked()
}
