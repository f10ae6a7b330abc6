package resolver

import (
	"context"
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

// Observer receives resolver events, e.g. to export them as metrics.
type Observer interface {
	ObserveOutcome(outcome model.Outcome)
	ObservePersistFailure()
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSink installs the sink notified of terminal outcomes.
func WithSink(s OutcomeSink) Option {
	return func(r *Resolver) { r.sink = s }
}

// WithObserver mirrors resolver events to o.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

type entry struct {
	mu        sync.Mutex
	sig       model.Signal
	lastPrice float64
}

// Resolver tracks signals loaded from a Log. The set is guarded by a
// read/write lock and every signal by its own mutex, so unrelated signals
// are evaluated without blocking each other.
type Resolver struct {
	cfg      Config
	log      Log
	table    *pips.Table
	horizons []time.Duration
	now      func() time.Time
	sink     OutcomeSink
	observer Observer

	tickMu  sync.Mutex
	mu      sync.RWMutex
	signals map[string]*entry   // settled signals are evicted
	pending map[string][]*entry // by instrument

	invalid       atomic.Uint64
	persistErrors atomic.Uint64
}

// New creates a resolver over log. Call Reload before evaluating.
func New(cfg Config, log Log, opts ...Option) (*Resolver, error) {
	if log == nil {
		return nil, exception.ErrNilInstance
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	horizons := append([]time.Duration(nil), cfg.Horizons...)
	sort.Slice(horizons, func(i, j int) bool { return horizons[i] < horizons[j] })
	r := &Resolver{
		cfg:      cfg,
		log:      log,
		table:    pips.NewTable(cfg.PipSizes, 0),
		horizons: horizons,
		now:      time.Now,
		signals:  make(map[string]*entry),
		pending:  make(map[string][]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Horizons returns the configured horizon labels, shortest first.
func (r *Resolver) Horizons() []string {
	out := make([]string, len(r.horizons))
	for i, h := range r.horizons {
		out[i] = model.HorizonLabel(h)
	}
	return out
}

// Reload merges signals from the log into the set. Signals already held
// in memory keep their in-memory state, since the resolver is their only
// writer. Settled signals stay on disk only.
func (r *Resolver) Reload() (int, error) {
	loaded, err := r.log.Load()
	if err != nil {
		return 0, errors.Wrap(err, "reload signals")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, sig := range loaded {
		if _, ok := r.signals[sig.ID]; ok {
			continue
		}
		if err := sig.Validate(); err != nil {
			r.invalid.Add(1)
			logs.Warnf("skip signal %s, err: %+v", sig.ID, err)
			continue
		}
		if sig.Status == "" {
			sig.Status = model.StatusPending
		}
		if r.settled(sig) {
			continue
		}
		r.signals[sig.ID] = &entry{sig: sig}
		added++
	}
	r.reindexLocked()
	return added, nil
}

// settled reports whether sig is terminal and every horizon is recorded,
// so nothing will change it again.
func (r *Resolver) settled(sig model.Signal) bool {
	if !sig.IsTerminal() {
		return false
	}
	for _, h := range r.horizons {
		if _, ok := sig.Horizons[model.HorizonLabel(h)]; !ok {
			return false
		}
	}
	return true
}

// reindexLocked rebuilds the pending index and evicts settled signals.
// Callers must not hold any entry lock.
func (r *Resolver) reindexLocked() {
	pending := make(map[string][]*entry, len(r.pending))
	for id, e := range r.signals {
		e.mu.Lock()
		switch {
		case !e.sig.IsTerminal():
			pending[e.sig.Instrument] = append(pending[e.sig.Instrument], e)
		case r.settled(e.sig):
			delete(r.signals, id)
		}
		e.mu.Unlock()
	}
	r.pending = pending
}

func (r *Resolver) pendingFor(instrument string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.pending[instrument]...)
}

func (r *Resolver) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.signals))
	for _, e := range r.signals {
		out = append(out, e)
	}
	return out
}

// OnReading evaluates every pending signal of the reading's instrument and
// returns the signals that reached a terminal status.
func (r *Resolver) OnReading(rd model.Reading) []model.Signal {
	entries := r.pendingFor(rd.Instrument)
	if len(entries) == 0 {
		return nil
	}
	now := r.now()
	var resolved []model.Signal
	for _, e := range entries {
		if sig, ok := r.evaluate(e, rd, now); ok {
			resolved = append(resolved, sig)
		}
	}
	if len(resolved) > 0 {
		r.mu.Lock()
		r.reindexLocked()
		r.mu.Unlock()
	}
	return resolved
}

func (r *Resolver) evaluate(e *entry, rd model.Reading, now time.Time) (model.Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sig.IsTerminal() {
		return model.Signal{}, false
	}
	// horizons that elapsed before this reading see the previous price
	r.snapshotLocked(e, now)

	p := exitPrice(e.sig, rd)
	if p <= 0 {
		return model.Signal{}, false
	}
	e.lastPrice = p
	outcome := classify(e.sig, p)
	if outcome == model.OutcomePending {
		return model.Signal{}, false
	}

	next := e.sig.Clone()
	at := rd.ReceivedAt
	if at.IsZero() {
		at = now
	}
	mv := move(r.table, next, p)
	next.Status = model.StatusResolved
	next.Outcome = outcome
	next.ResolvedAt = &at
	next.ResolvedPrice = p
	next.RealizedMove = &mv
	if err := r.commitLocked(e, next); err != nil {
		return model.Signal{}, false
	}
	return next, true
}

// commitLocked persists next and only then makes it the in-memory state.
// The write is retried once; a second failure leaves the signal unchanged
// so a later reading retries it.
func (r *Resolver) commitLocked(e *entry, next model.Signal) error {
	err := r.log.Put(next)
	if err != nil {
		err = r.log.Put(next)
	}
	if err != nil {
		return r.persistFailed(err, next.ID)
	}
	r.applyLocked(e, next)
	return nil
}

func (r *Resolver) persistFailed(err error, id string) error {
	r.persistErrors.Add(1)
	if r.observer != nil {
		r.observer.ObservePersistFailure()
	}
	err = errors.Wrap(exception.ErrPersist, err.Error()).With("signal", id)
	logs.Errorf("persist signal %s, err: %+v", id, err)
	return err
}

func (r *Resolver) applyLocked(e *entry, next model.Signal) {
	becameTerminal := !e.sig.IsTerminal() && next.IsTerminal()
	e.sig = next
	if becameTerminal {
		if r.observer != nil {
			r.observer.ObserveOutcome(next.Outcome)
		}
		if r.sink != nil {
			r.sink.Resolved(next.Clone())
		}
	}
}

// snapshotLocked records every horizon that has elapsed and is still unset.
func (r *Resolver) snapshotLocked(e *entry, now time.Time) bool {
	next := r.withHorizons(e, now)
	if next == nil {
		return false
	}
	return r.commitLocked(e, *next) == nil
}

// withHorizons returns a copy of e.sig with elapsed horizons filled in, or
// nil when there are none to add.
func (r *Resolver) withHorizons(e *entry, now time.Time) *model.Signal {
	var next *model.Signal
	for _, h := range r.horizons {
		label := model.HorizonLabel(h)
		if _, done := e.sig.Horizons[label]; done {
			continue
		}
		deadline := e.sig.CreatedAt.Add(h)
		if now.Before(deadline) {
			continue
		}
		if next == nil {
			c := e.sig.Clone()
			next = &c
			if next.Horizons == nil {
				next.Horizons = make(map[string]model.HorizonSnapshot, len(r.horizons))
			}
		}
		next.Horizons[label] = r.horizonSnapshot(e, deadline, now)
	}
	return next
}

func (r *Resolver) horizonSnapshot(e *entry, deadline, now time.Time) model.HorizonSnapshot {
	sig := e.sig
	if sig.IsTerminal() && sig.ResolvedAt != nil && !sig.ResolvedAt.After(deadline) {
		snap := model.HorizonSnapshot{Classification: sig.Outcome, Price: sig.ResolvedPrice, TakenAt: now}
		if sig.Outcome == model.OutcomeTimeout {
			snap.Classification = model.OutcomePending
		}
		if sig.RealizedMove != nil {
			snap.RealizedMove = *sig.RealizedMove
		}
		return snap
	}
	snap := model.HorizonSnapshot{Classification: model.OutcomePending, TakenAt: now}
	if e.lastPrice > 0 {
		snap.Price = e.lastPrice
		snap.RealizedMove = move(r.table, sig, e.lastPrice)
	}
	return snap
}

// Tick records elapsed horizon snapshots and expires pending signals older
// than MaxAge. It returns the signals that expired. When the log is a
// BatchLog all changes of one tick are persisted in a single write.
func (r *Resolver) Tick() []model.Signal {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	now := r.now()
	var batch []change
	for _, e := range r.all() {
		e.mu.Lock()
		next := r.withHorizons(e, now)
		changed := next != nil
		if next == nil {
			c := e.sig.Clone()
			next = &c
		}
		if !next.IsTerminal() && now.Sub(next.CreatedAt) >= r.cfg.MaxAge {
			r.expire(e, next, now)
			changed = true
		}
		if !changed {
			e.mu.Unlock()
			continue
		}
		batch = append(batch, change{e: e, next: *next, expiring: next.IsTerminal() && !e.sig.IsTerminal()})
	}

	committed := r.commitBatchLocked(batch)
	var expired []model.Signal
	for _, c := range batch {
		if committed[c.next.ID] && c.expiring {
			expired = append(expired, c.next)
		}
		c.e.mu.Unlock()
	}
	if len(committed) > 0 {
		r.mu.Lock()
		r.reindexLocked()
		r.mu.Unlock()
	}
	return expired
}

type change struct {
	e        *entry
	next     model.Signal
	expiring bool
}

func (r *Resolver) expire(e *entry, next *model.Signal, now time.Time) {
	at := now
	next.Status = model.StatusExpired
	next.Outcome = model.OutcomeTimeout
	next.ResolvedAt = &at
	mv := 0.0
	if e.lastPrice > 0 {
		next.ResolvedPrice = e.lastPrice
		mv = move(r.table, *next, e.lastPrice)
	}
	next.RealizedMove = &mv
}

// commitBatchLocked persists batch with every entry lock held and returns
// the ids that were applied. A failed batch write leaves all of them
// unchanged for the next tick.
func (r *Resolver) commitBatchLocked(batch []change) map[string]bool {
	committed := make(map[string]bool, len(batch))
	if len(batch) == 0 {
		return committed
	}
	bl, ok := r.log.(BatchLog)
	if !ok {
		for _, c := range batch {
			if r.commitLocked(c.e, c.next) == nil {
				committed[c.next.ID] = true
			}
		}
		return committed
	}

	sigs := make([]model.Signal, len(batch))
	for i, c := range batch {
		sigs[i] = c.next
	}
	err := bl.PutAll(sigs)
	if err != nil {
		err = bl.PutAll(sigs)
	}
	if err != nil {
		_ = r.persistFailed(err, batch[0].next.ID)
		return committed
	}
	for _, c := range batch {
		r.applyLocked(c.e, c.next)
		committed[c.next.ID] = true
	}
	return committed
}

// Get returns a copy of one signal.
func (r *Resolver) Get(id string) (model.Signal, error) {
	r.mu.RLock()
	e, ok := r.signals[id]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.sig.Clone(), nil
	}

	// settled signals are only on disk
	loaded, err := r.log.Load()
	if err != nil {
		return model.Signal{}, errors.Wrap(err, "get").With("signal", id)
	}
	for i := len(loaded) - 1; i >= 0; i-- {
		if loaded[i].ID == id {
			return loaded[i], nil
		}
	}
	return model.Signal{}, errors.Wrap(exception.ErrSignalNotFound, "get").With("signal", id)
}

// Signals returns copies of all signals sorted by creation time: the ones
// held in memory plus the settled ones read back from the log.
func (r *Resolver) Signals() ([]model.Signal, error) {
	loaded, err := r.log.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load signals")
	}
	entries := r.all()
	held := make(map[string]model.Signal, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		held[e.sig.ID] = e.sig.Clone()
		e.mu.Unlock()
	}
	out := make([]model.Signal, 0, len(loaded)+len(held))
	for _, sig := range loaded {
		if _, ok := held[sig.ID]; ok || !r.settled(sig) {
			continue
		}
		if sig.Validate() != nil {
			continue
		}
		out = append(out, sig)
	}
	for _, sig := range held {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Counts is the resolver part of the status report.
type Counts struct {
	Signals       int    `json:"signals"` // held in memory
	Pending       int    `json:"pending"`
	Invalid       uint64 `json:"invalid"`
	PersistErrors uint64 `json:"persist_errors"`
}

// Counts returns set sizes and error totals.
func (r *Resolver) Counts() Counts {
	r.mu.RLock()
	c := Counts{Signals: len(r.signals)}
	for _, es := range r.pending {
		c.Pending += len(es)
	}
	r.mu.RUnlock()
	c.Invalid = r.invalid.Load()
	c.PersistErrors = r.persistErrors.Load()
	return c
}

// Run consumes sub until ctx is done, reloading the log every
// ReloadInterval and ticking horizons every TickInterval.
func (r *Resolver) Run(ctx context.Context, sub *bus.Subscription) error {
	if sub == nil {
		return exception.ErrNilInstance
	}
	if _, err := r.Reload(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reload := time.NewTicker(r.cfg.ReloadInterval)
		tick := time.NewTicker(r.cfg.TickInterval)
		defer reload.Stop()
		defer tick.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-reload.C:
				if n, err := r.Reload(); err != nil {
					logs.Warnf("resolver reload, err: %+v", err)
				} else if n > 0 {
					logs.Infof("resolver picked up %d new signals", n)
				}
			case <-tick.C:
				if expired := r.Tick(); len(expired) > 0 {
					logs.Infof("resolver expired %d signals", len(expired))
				}
			}
		}
	}()

	logs.Infof("resolver consuming %s, horizons: %v", sub.Name(), r.Horizons())
	handle := func(rd model.Reading) { r.OnReading(rd) }
	sub.Run(ctx, handle)
	cancel()
	wg.Wait()
	n := sub.Drain(handle)
	logs.Infof("resolver stopped, drained %d readings", n)
	return nil
}
