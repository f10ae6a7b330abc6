package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"tickrelay/internal/model"
)

// Subscription buffers readings for one consumer. Each instrument has its own
// bounded queue; when it is full the oldest reading of that instrument is
// dropped. Instruments are served round-robin so a chatty symbol cannot starve
// the rest.
type Subscription struct {
	name     string
	capacity int
	onDrop   func(name string)

	mu       sync.Mutex
	notEmpty *sync.Cond
	queues   map[string]*ring
	ready    []string
	size     int
	closed   bool

	dropped   uint64
	delivered uint64
}

func newSubscription(name string, capacity int, onDrop func(string)) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Subscription{
		name:     name,
		capacity: capacity,
		onDrop:   onDrop,
		queues:   make(map[string]*ring),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	return s
}

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

func (s *Subscription) push(r model.Reading) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	q := s.queues[r.Instrument]
	if q == nil {
		q = newRing(s.capacity)
		s.queues[r.Instrument] = q
	}
	if q.size == 0 {
		s.ready = append(s.ready, r.Instrument)
	}
	evicted := q.push(r)
	if !evicted {
		s.size++
	}
	s.notEmpty.Signal()
	s.mu.Unlock()

	if evicted {
		atomic.AddUint64(&s.dropped, 1)
		if s.onDrop != nil {
			s.onDrop(s.name)
		}
	}
	return true
}

// Next blocks until a reading is available. It returns false once the
// subscription is closed and drained, or when ctx is done.
func (s *Subscription) Next(ctx context.Context) (model.Reading, bool) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.notEmpty.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return model.Reading{}, false
		}
		if s.size > 0 {
			return s.popLocked(), true
		}
		if s.closed {
			return model.Reading{}, false
		}
		s.notEmpty.Wait()
	}
}

// TryNext returns a buffered reading without blocking.
func (s *Subscription) TryNext() (model.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return model.Reading{}, false
	}
	return s.popLocked(), true
}

func (s *Subscription) popLocked() model.Reading {
	inst := s.ready[0]
	s.ready = s.ready[1:]
	q := s.queues[inst]
	r, _ := q.pop()
	if q.size > 0 {
		s.ready = append(s.ready, inst)
	}
	s.size--
	atomic.AddUint64(&s.delivered, 1)
	return r
}

// Run hands readings to handler until ctx is done or the subscription is
// closed and drained.
func (s *Subscription) Run(ctx context.Context, handler func(model.Reading)) {
	for {
		r, ok := s.Next(ctx)
		if !ok {
			return
		}
		handler(r)
	}
}

// Drain hands every buffered reading to handler without blocking.
func (s *Subscription) Drain(handler func(model.Reading)) int {
	n := 0
	for {
		r, ok := s.TryNext()
		if !ok {
			return n
		}
		handler(r)
		n++
	}
}

// Close stops accepting readings; buffered readings can still be drained.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.notEmpty.Broadcast()
	s.mu.Unlock()
}

// Len returns the number of buffered readings.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped returns how many readings were evicted by newer ones.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Delivered returns how many readings were handed to the consumer.
func (s *Subscription) Delivered() uint64 {
	return atomic.LoadUint64(&s.delivered)
}
