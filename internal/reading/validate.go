package reading

import (
	"sync/atomic"
	"time"

	"tickrelay/internal/model"
)

// DropReason classifies why a record did not become a reading.
type DropReason uint8

const (
	DropNone DropReason = iota
	DropMissingField
	DropNotAllowed
	DropNonPositive
	DropCrossed
	DropNegativeVolume
	DropUnrecoverable
	DropCarryOverflow
	DropCarryExpired
	DropResync
	dropEnd
)

func (r DropReason) String() string {
	switch r {
	case DropMissingField:
		return "missing_field"
	case DropNotAllowed:
		return "not_allowed"
	case DropNonPositive:
		return "non_positive"
	case DropCrossed:
		return "crossed"
	case DropNegativeVolume:
		return "negative_volume"
	case DropUnrecoverable:
		return "unrecoverable"
	case DropCarryOverflow:
		return "carry_overflow"
	case DropCarryExpired:
		return "carry_expired"
	case DropResync:
		return "resync"
	default:
		return "none"
	}
}

// validator applies the allow-list and sanity bounds.
type validator struct {
	allow     map[string]struct{}
	tolerance float64
}

func newValidator(allowList []string, tolerance float64) validator {
	v := validator{tolerance: tolerance}
	if len(allowList) > 0 {
		v.allow = make(map[string]struct{}, len(allowList))
		for _, s := range allowList {
			if s = NormalizeInstrument(s); s != "" {
				v.allow[s] = struct{}{}
			}
		}
	}
	return v
}

func (v validator) check(rec Record, fallbackSource string, now time.Time) (model.Reading, DropReason) {
	if rec.Instrument == "" || !rec.HasBid || (!rec.HasAsk && !rec.HasSpread) {
		return model.Reading{}, DropMissingField
	}
	r := rec.reading(fallbackSource, now)
	if v.allow != nil {
		if _, ok := v.allow[r.Instrument]; !ok {
			return model.Reading{}, DropNotAllowed
		}
	}
	if r.Bid <= 0 || r.Ask <= 0 {
		return model.Reading{}, DropNonPositive
	}
	if r.Bid > r.Ask*(1+v.tolerance) {
		return model.Reading{}, DropCrossed
	}
	if r.Volume < 0 {
		return model.Reading{}, DropNegativeVolume
	}
	return r, DropNone
}

// Observer receives parser counters, e.g. to export them as metrics.
type Observer interface {
	ObserveTier(tier Tier)
	ObserveDrop(reason DropReason)
}

// Stats is a point-in-time copy of the parser counters.
type Stats struct {
	Accepted uint64
	Rejected uint64
	Tiers    map[Tier]uint64
	Drops    map[DropReason]uint64
}

type counters struct {
	accepted uint64
	rejected uint64
	tiers    [tierEnd]uint64
	drops    [dropEnd]uint64
	observer Observer
}

func (c *counters) tier(t Tier) {
	atomic.AddUint64(&c.tiers[t], 1)
	if c.observer != nil {
		c.observer.ObserveTier(t)
	}
}

func (c *counters) drop(r DropReason) {
	atomic.AddUint64(&c.drops[r], 1)
	if c.observer != nil {
		c.observer.ObserveDrop(r)
	}
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Accepted: atomic.LoadUint64(&c.accepted),
		Rejected: atomic.LoadUint64(&c.rejected),
		Tiers:    make(map[Tier]uint64),
		Drops:    make(map[DropReason]uint64),
	}
	for i := range c.tiers {
		if v := atomic.LoadUint64(&c.tiers[i]); v > 0 {
			s.Tiers[Tier(i)] = v
		}
	}
	for i := range c.drops {
		if v := atomic.LoadUint64(&c.drops[i]); v > 0 {
			s.Drops[DropReason(i)] = v
		}
	}
	return s
}
