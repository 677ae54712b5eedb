package media

import (
	"fmt"
	"sync/atomic"
)

/*
A SharedBuffer represents a byte buffer on loan from its producer. The
consumer processes the bytes and calls Release() as quickly as possible; once
every hold is released, the producer's release function runs and the bytes
must no longer be touched. If the bytes cannot be processed quickly, the
consumer should make a copy, Release(), then continue with its local copy.

Example usage:

	func consumer(buf *SharedBuffer) {
		defer buf.Release() // Ensure the buffer goes back to the producer.
		data := buf.Bytes()
		// Process data...
	}

Decoders use this to hand out memory that is shared with a codec component;
releasing the last hold gives the memory back to the component.
*/
type SharedBuffer struct {
	data []byte

	count   int32
	release func()
}

// NewSharedBuffer returns a buffer with a single hold.
func NewSharedBuffer(data []byte, release func()) *SharedBuffer {
	return &SharedBuffer{data, 1, release}
}

// Bytes returns the underlying byte buffer.
func (buf *SharedBuffer) Bytes() []byte {
	return buf.data
}

// Increments the hold count.
func (buf *SharedBuffer) Hold() {
	if atomic.AddInt32(&buf.count, 1) <= 1 {
		panic("media.SharedBuffer: Hold after final Release")
	}
}

// Decrements the hold count. When the hold count reaches zero, the release
// function runs. Releasing a nil buffer is a no-op.
func (buf *SharedBuffer) Release() {
	if buf == nil {
		return
	}
	switch n := atomic.AddInt32(&buf.count, -1); {
	case n == 0:
		if buf.release != nil {
			buf.release()
		}
	case n < 0:
		panic(fmt.Sprintf("media.SharedBuffer: released %d times too often", -n))
	}
}

// Holds returns the current hold count.
func (buf *SharedBuffer) Holds() int {
	return int(atomic.LoadInt32(&buf.count))
}
