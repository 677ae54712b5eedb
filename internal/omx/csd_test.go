package omx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCSDQueueOrder(t *testing.T) {
	var q csdQueue
	a := []byte{0xa}
	q.push(a)
	q.push([]byte{0xb})

	// Blocks are copied on push.
	a[0] = 0xff

	assert.Equal(t, 2, q.pending())
	b, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, []byte{0xa}, b)
	b, ok = q.pop()
	assert.True(t, ok)
	assert.Equal(t, []byte{0xb}, b)

	_, ok = q.pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.pending())
}
