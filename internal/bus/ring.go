package bus

import "tickrelay/internal/model"

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf  []model.Reading
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]model.Reading, capacity)}
}

// push appends r and reports whether the oldest entry was evicted.
func (q *ring) push(r model.Reading) bool {
	if q.size < len(q.buf) {
		q.buf[(q.head+q.size)%len(q.buf)] = r
		q.size++
		return false
	}
	q.buf[q.head] = r
	q.head = (q.head + 1) % len(q.buf)
	return true
}

func (q *ring) pop() (model.Reading, bool) {
	if q.size == 0 {
		return model.Reading{}, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = model.Reading{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return r, true
}
