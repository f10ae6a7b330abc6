package bus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"tickrelay/internal/model"
)

var (
	ErrHubClosed         = errors.New("fan-out hub closed")
	ErrDuplicateConsumer = errors.New("fan-out consumer already subscribed")
)

// Hub is the internal fan-out channel. Publish never blocks: every
// subscription absorbs overflow by dropping its own oldest readings.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	onDrop func(name string)

	published uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDropHook is called once per evicted reading with the subscriber name.
func WithDropHook(fn func(name string)) HubOption {
	return func(h *Hub) { h.onDrop = fn }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{subs: make(map[string]*Subscription)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a consumer with perInstrument readings of buffer per instrument.
func (h *Hub) Subscribe(name string, perInstrument int) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.subs[name]; ok {
		return nil, ErrDuplicateConsumer
	}
	s := newSubscription(name, perInstrument, h.onDrop)
	h.subs[name] = s
	return s, nil
}

// Unsubscribe removes and closes the named subscription.
func (h *Hub) Unsubscribe(name string) {
	h.mu.Lock()
	s := h.subs[name]
	delete(h.subs, name)
	h.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Publish hands r to every subscriber.
func (h *Hub) Publish(r model.Reading) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, s := range h.subs {
		s.push(r)
	}
	atomic.AddUint64(&h.published, 1)
	return nil
}

// PublishBatch publishes readings in order.
func (h *Hub) PublishBatch(rs []model.Reading) error {
	for _, r := range rs {
		if err := h.Publish(r); err != nil {
			return err
		}
	}
	return nil
}

// Close stops publishing and closes every subscription so consumers drain and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// SubscriptionStats describes one consumer's backlog.
type SubscriptionStats struct {
	Name      string `json:"name"`
	Buffered  int    `json:"buffered"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
}

// Stats lists every subscription sorted by name.
func (h *Hub) Stats() []SubscriptionStats {
	h.mu.RLock()
	out := make([]SubscriptionStats, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, SubscriptionStats{
			Name:      s.name,
			Buffered:  s.Len(),
			Dropped:   s.Dropped(),
			Delivered: s.Delivered(),
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Published returns the number of readings accepted by Publish.
func (h *Hub) Published() uint64 {
	return atomic.LoadUint64(&h.published)
}
