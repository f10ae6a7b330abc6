package broker

import (
	"sort"
	"sync"
	"time"

	"tickrelay/internal/model"
)

// ClientRegistry tracks remote producers by source id.
type ClientRegistry struct {
	ttl time.Duration

	mu      sync.RWMutex
	clients map[string]*model.ClientRecord
}

// NewClientRegistry creates a registry that forgets clients idle for longer than ttl.
func NewClientRegistry(ttl time.Duration) *ClientRegistry {
	if ttl <= 0 {
		ttl = defaultClientTTL
	}
	return &ClientRegistry{ttl: ttl, clients: make(map[string]*model.ClientRecord)}
}

// Touch records n readings from sourceID seen at addr.
func (r *ClientRegistry) Touch(sourceID, addr string, n int, now time.Time) {
	if sourceID == "" {
		return
	}
	r.mu.Lock()
	rec := r.clients[sourceID]
	if rec == nil {
		rec = &model.ClientRecord{SourceID: sourceID, FirstSeen: now}
		r.clients[sourceID] = rec
	}
	if addr != "" {
		rec.NetworkAddress = addr
	}
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Readings += uint64(n)
	r.mu.Unlock()
}

// Sweep removes clients not seen within the ttl and returns their ids.
func (r *ClientRegistry) Sweep(now time.Time) []string {
	var removed []string
	r.mu.Lock()
	for id, rec := range r.clients {
		if now.Sub(rec.LastSeen) > r.ttl {
			delete(r.clients, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(removed)
	return removed
}

// Get returns a copy of one record.
func (r *ClientRegistry) Get(sourceID string) (model.ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[sourceID]
	if !ok {
		return model.ClientRecord{}, false
	}
	return *rec, true
}

// Len returns the number of known clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List returns copies of all records sorted by source id.
func (r *ClientRegistry) List() []model.ClientRecord {
	r.mu.RLock()
	out := make([]model.ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
