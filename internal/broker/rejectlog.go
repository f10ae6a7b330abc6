package broker

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"tickrelay/internal/reading"
)

const (
	maxRejectSources = 1024
	// overflowSource collects sources seen once the table is full.
	overflowSource = "*"
)

type rejectEntry struct {
	lastLogged time.Time
	suppressed int
}

// RejectLog logs rejections at most once per source per interval. Rejections
// swallowed in between are reported with the next line for that source.
// Source ids come from clients, so at most maxSources are tracked apart;
// further sources share one overflow entry until Prune frees room.
type RejectLog struct {
	interval   time.Duration
	maxSources int
	logf       func(format string, args ...any)

	mu      sync.Mutex
	entries map[string]*rejectEntry
}

// NewRejectLog creates a limiter writing through logs.Warnf.
func NewRejectLog(interval time.Duration) *RejectLog {
	if interval <= 0 {
		interval = defaultRejectLogInterval
	}
	return &RejectLog{
		interval:   interval,
		maxSources: maxRejectSources,
		logf:       logs.Warnf,
		entries:    make(map[string]*rejectEntry),
	}
}

// Record notes one rejection and reports whether it was logged.
func (l *RejectLog) Record(rej reading.Rejection, now time.Time) bool {
	l.mu.Lock()
	key := rej.SourceID
	e := l.entries[key]
	if e == nil && len(l.entries) >= l.maxSources {
		key = overflowSource
		e = l.entries[key]
	}
	if e == nil {
		e = &rejectEntry{}
		l.entries[key] = e
	}
	if !e.lastLogged.IsZero() && now.Sub(e.lastLogged) < l.interval {
		e.suppressed++
		l.mu.Unlock()
		return false
	}
	suppressed := e.suppressed
	e.suppressed = 0
	e.lastLogged = now
	l.mu.Unlock()

	l.logf("rejected record from %s, instrument: %s, provenance: %q, suppressed: %d, err: %+v",
		rej.SourceID, rej.Instrument, rej.Provenance, suppressed, rej.Err)
	return true
}

// Prune forgets sources whose last line is older than the interval and
// that have nothing suppressed.
func (l *RejectLog) Prune(now time.Time) {
	l.mu.Lock()
	for id, e := range l.entries {
		if e.suppressed == 0 && now.Sub(e.lastLogged) >= l.interval {
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()
}
