// Package shm provides shared memory regions used to exchange buffers with
// codec components without copying.
//
// A Dealer carves regions out of one large mapping, the way a memory dealer
// hands out pieces of a single ashmem/mmap'd heap. Regions are only valid
// while the Dealer is open.
package shm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lanikai/alohaomx/internal/logging"
	"golang.org/x/xerrors"
)

var log = logging.DefaultLogger.WithTag("shm")

// Regions are aligned to this many bytes within the mapping.
const alignment = 64

var (
	ErrExhausted = xerrors.New("shm: not enough free memory")
	ErrClosed    = xerrors.New("shm: dealer closed")
	ErrBadSize   = xerrors.New("shm: invalid region size")
)

// A Region is a piece of shared memory handed to exactly one owner at a time.
type Region interface {
	// Bytes returns the full region. The slice aliases shared memory.
	Bytes() []byte

	// Name identifies the region for logging and remote transports.
	Name() string

	// Free returns the region to its provider. Freeing twice is an error.
	Free() error
}

// A Provider allocates regions.
type Provider interface {
	Allocate(size int) (Region, error)
}

type span struct {
	offset, size int
}

// Dealer is a first-fit allocator over a single mapping.
type Dealer struct {
	name string
	mem  []byte

	mu     sync.Mutex
	free   []span // sorted by offset, coalesced
	inUse  map[int]int
	closed bool
}

// NewDealer maps capacity bytes of shared memory. The capacity is rounded up
// to the alignment.
func NewDealer(name string, capacity int) (*Dealer, error) {
	if capacity <= 0 {
		return nil, ErrBadSize
	}
	capacity = align(capacity)
	mem, err := mapShared(capacity)
	if err != nil {
		return nil, xerrors.Errorf("shm: mapping %d bytes: %w", capacity, err)
	}
	log.Debug("%s: mapped %d bytes", name, capacity)
	return &Dealer{
		name:  name,
		mem:   mem,
		free:  []span{{0, capacity}},
		inUse: make(map[int]int),
	}, nil
}

func align(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Capacity returns the size of the underlying mapping.
func (d *Dealer) Capacity() int {
	return len(d.mem)
}

// Available returns the number of free bytes, which may be fragmented.
func (d *Dealer) Available() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, s := range d.free {
		n += s.size
	}
	return n
}

// Allocate implements Provider.
func (d *Dealer) Allocate(size int) (Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	want := align(size)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	for i, s := range d.free {
		if s.size < want {
			continue
		}
		if s.size == want {
			d.free = append(d.free[:i], d.free[i+1:]...)
		} else {
			d.free[i] = span{s.offset + want, s.size - want}
		}
		d.inUse[s.offset] = want
		return &region{
			dealer: d,
			offset: s.offset,
			data:   d.mem[s.offset : s.offset+size : s.offset+size],
		}, nil
	}
	return nil, xerrors.Errorf("shm: %d bytes requested from %s: %w", size, d.name, ErrExhausted)
}

func (d *Dealer) release(offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		// The whole mapping is gone already.
		return nil
	}
	size, ok := d.inUse[offset]
	if !ok {
		return xerrors.Errorf("shm: double free at offset %d", offset)
	}
	delete(d.inUse, offset)

	i := sort.Search(len(d.free), func(i int) bool { return d.free[i].offset > offset })
	d.free = append(d.free, span{})
	copy(d.free[i+1:], d.free[i:])
	d.free[i] = span{offset, size}

	// Coalesce with the neighbors.
	if i+1 < len(d.free) && d.free[i].offset+d.free[i].size == d.free[i+1].offset {
		d.free[i].size += d.free[i+1].size
		d.free = append(d.free[:i+1], d.free[i+2:]...)
	}
	if i > 0 && d.free[i-1].offset+d.free[i-1].size == d.free[i].offset {
		d.free[i-1].size += d.free[i].size
		d.free = append(d.free[:i], d.free[i+1:]...)
	}
	return nil
}

// Close unmaps the shared memory. Any outstanding region becomes invalid.
func (d *Dealer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if len(d.inUse) > 0 {
		log.Warn("%s: closing with %d regions still allocated", d.name, len(d.inUse))
	}
	mem := d.mem
	d.mem = nil
	return unmapShared(mem)
}

type region struct {
	dealer *Dealer
	offset int
	data   []byte
	freed  bool
}

func (r *region) Bytes() []byte {
	return r.data
}

func (r *region) Name() string {
	return fmt.Sprintf("%s@%d+%d", r.dealer.name, r.offset, len(r.data))
}

func (r *region) Free() error {
	if r.freed {
		return xerrors.Errorf("shm: region %s freed twice", r.Name())
	}
	r.freed = true
	return r.dealer.release(r.offset)
}

// Heap is a Provider backed by ordinary Go memory. It is used where regions
// never cross a process boundary, e.g. on the far side of a remote transport.
type Heap struct {
	Name string
}

func (h Heap) Allocate(size int) (Region, error) {
	if size <= 0 {
		return nil, ErrBadSize
	}
	return &heapRegion{name: h.Name, data: make([]byte, size)}, nil
}

type heapRegion struct {
	name string
	data []byte
}

func (r *heapRegion) Bytes() []byte { return r.data }

func (r *heapRegion) Name() string { return fmt.Sprintf("%s:heap+%d", r.name, len(r.data)) }

func (r *heapRegion) Free() error {
	if r.data == nil {
		return xerrors.Errorf("shm: region %s freed twice", r.Name())
	}
	r.data = nil
	return nil
}
