package omx

import (
	"fmt"

	errors "golang.org/x/xerrors"
)

// PortStatus is the bridge's view of a port's lifecycle.
type PortStatus int

const (
	PortActive PortStatus = iota
	PortDisabled
	PortShutdown
	PortFlushing
	PortFlushingToDisabled
	PortFlushingToShutdown
)

var portStatusNames = [...]string{
	"active", "disabled", "shutdown", "flushing", "flushing-to-disabled", "flushing-to-shutdown",
}

func (s PortStatus) String() string {
	if int(s) < len(portStatusNames) {
		return portStatusNames[s]
	}
	return fmt.Sprintf("PortStatus(%d)", int(s))
}

// Legal transitions. Shutdown is terminal except for the fresh start of a
// port (handled by reset).
var portTransitions = map[PortStatus][]PortStatus{
	PortActive:             {PortFlushing, PortFlushingToDisabled, PortFlushingToShutdown, PortDisabled, PortShutdown},
	PortDisabled:           {PortActive, PortShutdown},
	PortFlushing:           {PortActive, PortFlushingToShutdown},
	PortFlushingToDisabled: {PortDisabled, PortFlushingToShutdown},
	PortFlushingToShutdown: {PortShutdown},
	PortShutdown:           {},
}

// portTracker holds the status of both ports. It is guarded by the decoder
// lock.
type portTracker struct {
	status [2]PortStatus
}

func (t *portTracker) reset() {
	t.status = [2]PortStatus{PortActive, PortActive}
}

func (t *portTracker) get(port PortIndex) PortStatus {
	return t.status[port]
}

// set moves port to status, rejecting transitions the protocol never makes.
func (t *portTracker) set(port PortIndex, status PortStatus) error {
	from := t.status[port]
	if from == status {
		return nil
	}
	for _, to := range portTransitions[from] {
		if to == status {
			log.Trace(5, "%v port: %v -> %v", port, from, status)
			t.status[port] = status
			return nil
		}
	}
	return errors.Errorf("omx: %v port cannot go from %v to %v: %w", port, from, status, ErrProtocol)
}

// bothShutdown reports whether teardown of both ports has completed.
func (t *portTracker) bothShutdown() bool {
	return t.status[PortInput] == PortShutdown && t.status[PortOutput] == PortShutdown
}
