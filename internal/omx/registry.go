package omx

import (
	"fmt"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/shm"
)

// Owner tags who holds a buffer slot. Every slot has exactly one owner.
type Owner int

const (
	OwnerFree Owner = iota
	OwnerComponent
	OwnerConsumer
)

func (o Owner) String() string {
	switch o {
	case OwnerFree:
		return "free"
	case OwnerComponent:
		return "component"
	case OwnerConsumer:
		return "consumer"
	}
	return fmt.Sprintf("Owner(%d)", int(o))
}

// A slot binds a component buffer handle to its shared memory region and,
// for output buffers, to the MediaBuffer currently lent to the consumer.
type slot struct {
	id    BufferID
	port  PortIndex
	mem   shm.Region
	owner Owner

	// Output generation at the time of the last FillBuffer. Fills from an
	// older generation predate a seek flush and are never delivered.
	gen uint64

	// Set while owner == OwnerConsumer.
	buf *MediaBuffer
}

func (s *slot) String() string {
	return fmt.Sprintf("%v buffer %d (%s)", s.port, s.id, s.owner)
}

// registry is an arena of buffer slots indexed by handle. The decoder lock
// guards it; ownership tags change only under that lock.
type registry struct {
	slots map[BufferID]*slot

	// Allocation order per port, so buffers are submitted deterministically.
	order [2][]BufferID
}

func newRegistry() *registry {
	return &registry{slots: make(map[BufferID]*slot)}
}

// allocate binds count new regions of size bytes to the port. With backup
// set, the component allocates its own memory and copies through the region.
// On failure every slot created by this call is released again.
func (r *registry) allocate(comp Component, mem shm.Provider, port PortIndex, count, size int, backup bool) error {
	if count <= 0 || size <= 0 {
		return errors.Errorf("omx: %v port wants %d buffers of %d bytes: %w", port, count, size, ErrAllocationFailure)
	}

	var added []BufferID
	fail := func(err error) error {
		for _, id := range added {
			if rerr := r.release(comp, id); rerr != nil {
				log.Warn("Rolling back %v buffer %d: %v", port, id, rerr)
			}
		}
		return err
	}

	for i := 0; i < count; i++ {
		region, err := mem.Allocate(size)
		if err != nil {
			return fail(errors.Errorf("omx: %v buffer %d/%d: %v: %w", port, i+1, count, err, ErrAllocationFailure))
		}

		var id BufferID
		if backup {
			id, err = comp.AllocateBufferWithBackup(port, region)
		} else {
			id, err = comp.UseBuffer(port, region)
		}
		if err != nil {
			region.Free()
			return fail(errors.Errorf("omx: component refused %v buffer %d/%d: %v: %w", port, i+1, count, err, ErrAllocationFailure))
		}
		if _, dup := r.slots[id]; dup {
			// Leave the existing binding alone; the component is confused.
			region.Free()
			return fail(errors.Errorf("omx: component issued handle %d twice: %w", id, ErrProtocol))
		}

		r.slots[id] = &slot{id: id, port: port, mem: region}
		r.order[port] = append(r.order[port], id)
		added = append(added, id)
		log.Debug("Allocated %v buffer %d: %s", port, id, region.Name())
	}
	return nil
}

// release frees the component buffer and its region and invalidates any
// MediaBuffer lent out for it. Releasing an unknown handle yields ErrNotFound.
func (r *registry) release(comp Component, id BufferID) error {
	s, ok := r.slots[id]
	if !ok {
		return errors.Errorf("omx: release of buffer %d: %w", id, ErrNotFound)
	}

	delete(r.slots, id)
	ids := r.order[s.port]
	for i, other := range ids {
		if other == id {
			r.order[s.port] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}

	if s.buf != nil {
		s.buf.invalidate()
		s.buf = nil
	}

	var firstErr error
	if comp != nil {
		if err := comp.FreeBuffer(s.port, id); err != nil {
			firstErr = transportError(fmt.Sprintf("free %v buffer %d", s.port, id), err)
		}
	}
	if err := s.mem.Free(); err != nil && firstErr == nil {
		firstErr = errors.Errorf("omx: free region of buffer %d: %v: %w", id, err, ErrAllocationFailure)
	}
	return firstErr
}

// releaseWhere releases every slot of port for which keep returns false.
func (r *registry) releaseWhere(comp Component, port PortIndex, keep func(*slot) bool) error {
	var firstErr error
	for _, id := range append([]BufferID(nil), r.order[port]...) {
		if keep != nil && keep(r.slots[id]) {
			continue
		}
		if err := r.release(comp, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *registry) releasePort(comp Component, port PortIndex) error {
	return r.releaseWhere(comp, port, nil)
}

func (r *registry) releaseAll(comp Component) error {
	err := r.releasePort(comp, PortInput)
	if oerr := r.releasePort(comp, PortOutput); err == nil {
		err = oerr
	}
	return err
}

// correlate turns a handle from a component message into its slot. An unknown
// handle means the component and the bridge disagree about the protocol.
func (r *registry) correlate(id BufferID) (*slot, error) {
	s, ok := r.slots[id]
	if !ok {
		return nil, errors.Errorf("omx: component referenced unknown buffer %d: %w", id, ErrProtocol)
	}
	return s, nil
}

// each visits the slots of a port in allocation order.
func (r *registry) each(port PortIndex, fn func(*slot)) {
	for _, id := range r.order[port] {
		fn(r.slots[id])
	}
}

func (r *registry) count(port PortIndex, owner Owner) int {
	n := 0
	r.each(port, func(s *slot) {
		if s.owner == owner {
			n++
		}
	})
	return n
}

func (r *registry) size(port PortIndex) int {
	return len(r.order[port])
}

func (r *registry) empty() bool {
	return len(r.slots) == 0
}

// Ownership is a snapshot of how many slots of each port each party holds.
type Ownership struct {
	Free, Component, Consumer int
}

func (o Ownership) Total() int {
	return o.Free + o.Component + o.Consumer
}

func (r *registry) ownership(port PortIndex) Ownership {
	return Ownership{
		Free:      r.count(port, OwnerFree),
		Component: r.count(port, OwnerComponent),
		Consumer:  r.count(port, OwnerConsumer),
	}
}
