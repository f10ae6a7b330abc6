package aggregator

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tickrelay/internal/bus"
	"tickrelay/internal/model"
	"tickrelay/internal/pips"
	"tickrelay/pkg/exception"
)

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithPipTable replaces the default pip table.
func WithPipTable(t *pips.Table) Option {
	return func(a *Aggregator) {
		if t != nil {
			a.table = t
		}
	}
}

// Counts is the aggregate view used by the status report.
type Counts struct {
	Known    int    `json:"known"`
	Active   int    `json:"active"`
	Ingested uint64 `json:"ingested"`
	Evicted  uint64 `json:"evicted"`
}

type instrument struct {
	mu             sync.Mutex
	name           string
	ring           *history
	version        uint64
	lastUpdate     time.Time
	newestObserved time.Time
	// latest is the reading with the newest observed_at; out-of-order
	// arrivals never replace it.
	latest       model.Reading
	cache        *InstrumentState
	cacheVersion uint64
	removed      bool
}

// Aggregator owns the per-instrument state. Each instrument has its own lock;
// no operation needs a consistent view across instruments.
type Aggregator struct {
	cfg   Config
	table *pips.Table
	now   func() time.Time

	instruments sync.Map // string -> *instrument

	ingested atomic.Uint64
	evicted  atomic.Uint64
}

// New creates an aggregator.
func New(cfg Config, opts ...Option) (*Aggregator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{cfg: cfg, table: pips.Default(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *Aggregator) Config() Config {
	return a.cfg
}

func (a *Aggregator) load(name string) *instrument {
	if v, ok := a.instruments.Load(name); ok {
		return v.(*instrument)
	}
	return nil
}

// Ingest appends r to its instrument's ring and marks the instrument updated.
func (a *Aggregator) Ingest(r model.Reading) {
	if r.Instrument == "" {
		return
	}
	now := a.now()
	for {
		v, _ := a.instruments.LoadOrStore(r.Instrument, &instrument{name: r.Instrument, ring: newHistory(a.cfg.Capacity)})
		inst := v.(*instrument)
		inst.mu.Lock()
		if inst.removed {
			inst.mu.Unlock()
			continue
		}
		inst.ring.push(r)
		inst.version++
		inst.lastUpdate = now
		if inst.latest.Instrument == "" || !outOfOrder(r, inst.newestObserved) {
			inst.latest = r
			if r.ObservedAt.After(inst.newestObserved) {
				inst.newestObserved = r.ObservedAt
			}
		}
		inst.mu.Unlock()
		a.ingested.Add(1)
		return
	}
}

// IngestBatch ingests rs in order.
func (a *Aggregator) IngestBatch(rs []model.Reading) {
	for _, r := range rs {
		a.Ingest(r)
	}
}

func (a *Aggregator) stale(inst *instrument, now time.Time) bool {
	return now.Sub(inst.lastUpdate) > a.cfg.StaleAfter
}

// Snapshot returns the cached computation for instrument. The computation is
// rebuilt from the ring when the ring changed and the cache is older than
// CacheInterval. Unknown instruments return ErrInstrumentUnavailable and
// stale ones ErrInstrumentStale.
func (a *Aggregator) Snapshot(name string) (InstrumentState, error) {
	if name == "" {
		return InstrumentState{}, exception.ErrEmptyInstrument
	}
	inst := a.load(name)
	if inst == nil {
		return InstrumentState{}, errors.Wrap(exception.ErrInstrumentUnavailable, "snapshot").With("instrument", name)
	}

	now := a.now()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.removed || inst.ring.size == 0 {
		return InstrumentState{}, errors.Wrap(exception.ErrInstrumentUnavailable, "snapshot").With("instrument", name)
	}
	if a.stale(inst, now) {
		return InstrumentState{}, errors.Wrap(exception.ErrInstrumentStale, "snapshot").With("instrument", name)
	}

	if inst.cache != nil {
		fresh := now.Sub(inst.cache.ComputedAt) < a.cfg.CacheInterval
		if inst.cacheVersion == inst.version || fresh {
			return *inst.cache, nil
		}
	}

	state := a.compute(inst, now)
	inst.cache = &state
	inst.cacheVersion = inst.version
	return state, nil
}

func (a *Aggregator) compute(inst *instrument, now time.Time) InstrumentState {
	readings := inst.ring.slice()
	return InstrumentState{
		Instrument: inst.name,
		Latest:     inst.latest,
		Readings:   len(readings),
		OrderFlow:  computeOrderFlow(inOrder(readings), a.cfg.OrderFlowWindow),
		Liquidity:  computeLiquidity(inst.name, readings, inst.latest.Mid(), a.table, a.cfg),
		LastUpdate: inst.lastUpdate,
		ComputedAt: now,
	}
}

// History returns a copy of the ring contents, oldest first.
func (a *Aggregator) History(name string) []model.Reading {
	inst := a.load(name)
	if inst == nil {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.ring.slice()
}

// Health reports freshness of one instrument.
func (a *Aggregator) Health(name string) Health {
	h := Health{Instrument: name}
	inst := a.load(name)
	if inst == nil {
		return h
	}
	now := a.now()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.removed {
		return h
	}
	h.Known = true
	h.LastUpdate = inst.lastUpdate
	h.Age = now.Sub(inst.lastUpdate)
	h.Stale = a.stale(inst, now)
	h.Active = !h.Stale
	return h
}

// ActiveInstruments lists instruments that are not stale, sorted by name.
func (a *Aggregator) ActiveInstruments() []Summary {
	now := a.now()
	out := []Summary{}
	a.instruments.Range(func(_, v any) bool {
		inst := v.(*instrument)
		inst.mu.Lock()
		if !inst.removed && !a.stale(inst, now) {
			out = append(out, Summary{
				Instrument: inst.name,
				Bid:        inst.latest.Bid,
				Ask:        inst.latest.Ask,
				Readings:   inst.ring.size,
				LastUpdate: inst.lastUpdate,
			})
		}
		inst.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// EvictStale drops instruments not updated for longer than olderThan and
// returns how many were removed.
func (a *Aggregator) EvictStale(olderThan time.Duration) int {
	now := a.now()
	removed := 0
	a.instruments.Range(func(k, v any) bool {
		inst := v.(*instrument)
		inst.mu.Lock()
		if !inst.removed && now.Sub(inst.lastUpdate) > olderThan {
			inst.removed = true
			a.instruments.CompareAndDelete(k, inst)
			removed++
		}
		inst.mu.Unlock()
		return true
	})
	a.evicted.Add(uint64(removed))
	return removed
}

// SpreadDifferential compares the recent spreads reported through each origin
// label. At least two origins are needed.
func (a *Aggregator) SpreadDifferential(name string) (SpreadReport, error) {
	inst := a.load(name)
	if inst == nil {
		return SpreadReport{}, errors.Wrap(exception.ErrInstrumentUnavailable, "spread differential").With("instrument", name)
	}
	now := a.now()
	inst.mu.Lock()
	if inst.removed || inst.ring.size == 0 {
		inst.mu.Unlock()
		return SpreadReport{}, errors.Wrap(exception.ErrInstrumentUnavailable, "spread differential").With("instrument", name)
	}
	if a.stale(inst, now) {
		inst.mu.Unlock()
		return SpreadReport{}, errors.Wrap(exception.ErrInstrumentStale, "spread differential").With("instrument", name)
	}
	readings := inst.ring.slice()
	inst.mu.Unlock()

	origins := computeSpreads(name, readings, a.table, a.cfg)
	if len(origins) < 2 {
		return SpreadReport{}, errors.Wrap(exception.ErrNotEnoughOrigins, "spread differential").With("instrument", name)
	}
	narrow, wide := origins[0], origins[len(origins)-1]
	return SpreadReport{
		Instrument:       name,
		Origins:          origins,
		Narrowest:        narrow.Origin,
		Widest:           wide.Origin,
		DifferentialPips: math.Round((wide.AvgSpreadPips-narrow.AvgSpreadPips)*10) / 10,
		ComputedAt:       now,
	}, nil
}

// Counts returns known and active instrument counts plus totals.
func (a *Aggregator) Counts() Counts {
	now := a.now()
	c := Counts{Ingested: a.ingested.Load(), Evicted: a.evicted.Load()}
	a.instruments.Range(func(_, v any) bool {
		inst := v.(*instrument)
		inst.mu.Lock()
		if !inst.removed {
			c.Known++
			if !a.stale(inst, now) {
				c.Active++
			}
		}
		inst.mu.Unlock()
		return true
	})
	return c
}

// Run consumes sub until ctx is done or the subscription closes, sweeping
// long-stale instruments every SweepInterval. Buffered readings are drained
// before returning.
func (a *Aggregator) Run(ctx context.Context, sub *bus.Subscription) error {
	if sub == nil {
		return exception.ErrNilInstance
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := a.EvictStale(a.cfg.EvictAfter); n > 0 {
					logs.Infof("aggregator evicted %d stale instruments", n)
				}
			}
		}
	}()

	logs.Infof("aggregator consuming %s", sub.Name())
	sub.Run(ctx, a.Ingest)
	n := sub.Drain(a.Ingest)
	logs.Infof("aggregator stopped, drained %d readings", n)
	return nil
}
