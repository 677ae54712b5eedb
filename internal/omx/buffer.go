package omx

import (
	"sync/atomic"
	"time"

	"github.com/lanikai/alohaomx/internal/media"
)

// BufferObserver is told when the consumer has released a MediaBuffer.
type BufferObserver interface {
	BufferReturned(buf *MediaBuffer)
}

// MediaBuffer is one decoded output unit lent to the consumer. The bytes alias
// memory shared with the component; they are valid until the last Release,
// or until the decoder is stopped, whichever comes first.
type MediaBuffer struct {
	shared *media.SharedBuffer
	id     BufferID
	valid  int32

	// Presentation time.
	Time time.Duration

	SyncFrame   bool
	CodecConfig bool

	// Set on the last buffer of the stream.
	EOS bool
}

func newMediaBuffer(observer BufferObserver, id BufferID, data []byte) *MediaBuffer {
	buf := &MediaBuffer{id: id, valid: 1}
	buf.shared = media.NewSharedBuffer(data, func() {
		observer.BufferReturned(buf)
	})
	return buf
}

// Bytes returns the decoded data, or nil once the buffer is no longer valid.
func (b *MediaBuffer) Bytes() []byte {
	if !b.Valid() {
		return nil
	}
	return b.shared.Bytes()
}

// Len returns the number of valid bytes.
func (b *MediaBuffer) Len() int {
	return len(b.Bytes())
}

// Valid reports whether the buffer still refers to live shared memory.
func (b *MediaBuffer) Valid() bool {
	return atomic.LoadInt32(&b.valid) == 1
}

// Hold adds a reference, for handing the buffer to another goroutine.
func (b *MediaBuffer) Hold() {
	b.shared.Hold()
}

// Release drops a reference. The last Release gives the memory back to the
// decoder, which resubmits it to the component.
func (b *MediaBuffer) Release() {
	b.shared.Release()
}

func (b *MediaBuffer) invalidate() {
	atomic.StoreInt32(&b.valid, 0)
}
