package aggregator

import "tickrelay/internal/model"

// history is a fixed-capacity ring; pushing onto a full ring evicts the oldest.
type history struct {
	buf  []model.Reading
	head int
	size int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]model.Reading, capacity)}
}

func (h *history) push(r model.Reading) (evicted bool) {
	if h.size == len(h.buf) {
		h.buf[h.head] = r
		h.head = (h.head + 1) % len(h.buf)
		return true
	}
	h.buf[(h.head+h.size)%len(h.buf)] = r
	h.size++
	return false
}

// slice copies the contents oldest first.
func (h *history) slice() []model.Reading {
	out := make([]model.Reading, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}
