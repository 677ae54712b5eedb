package omx

// csdQueue holds codec-specific data blocks in arrival order. Each block is
// handed out once.
type csdQueue struct {
	blocks [][]byte
	next   int
}

func (q *csdQueue) push(data []byte) {
	q.blocks = append(q.blocks, append([]byte(nil), data...))
}

// pop returns the next unconsumed block.
func (q *csdQueue) pop() ([]byte, bool) {
	if q.next >= len(q.blocks) {
		return nil, false
	}
	b := q.blocks[q.next]
	q.next++
	return b, true
}

func (q *csdQueue) pending() int {
	return len(q.blocks) - q.next
}
