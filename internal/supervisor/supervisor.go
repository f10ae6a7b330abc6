package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

// Observer receives supervisor events, e.g. to export them as metrics.
type Observer interface {
	ObserveRestart(worker string)
	ObserveAlert(kind string)
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithProbe replaces the default ProcessProbe.
func WithProbe(p LivenessProbe) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.probe = p
		}
	}
}

// WithLauncher replaces the default ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithAlertSink replaces the default LogSink.
func WithAlertSink(a AlertSink) Option {
	return func(s *Supervisor) {
		if a != nil {
			s.alerts = a
		}
	}
}

// WithHistory persists worker state.
func WithHistory(h History) Option {
	return func(s *Supervisor) { s.history = h }
}

// WithObserver mirrors supervisor events to o.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

type worker struct {
	name     string
	spec     LaunchSpec
	st       WorkerState
	started  bool
	inflight bool
	// awaitingRecovery is set by a restart and cleared once the worker has
	// stayed alive for StableAfter.
	awaitingRecovery bool
}

// Supervisor monitors registered workers from a single check loop. Restarts
// run in their own goroutine and report back under the same lock, so two
// restarts of one worker never overlap.
type Supervisor struct {
	cfg      Config
	policy   policy
	clock    Clock
	probe    LivenessProbe
	launcher Launcher
	alerts   AlertSink
	history  History
	observer Observer

	mu      sync.Mutex
	workers map[string]*worker
	saved   map[string]WorkerState

	launches sync.WaitGroup
	sending  sync.WaitGroup
}

// New creates a supervisor, loading persisted state when a history is set.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:      cfg,
		policy:   newPolicy(cfg),
		clock:    realClock{},
		probe:    ProcessProbe{},
		launcher: ExecLauncher{StartTimeout: cfg.StartTimeout},
		alerts:   LogSink{},
		workers:  make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history != nil {
		saved, err := s.history.Load()
		if err != nil {
			return nil, errors.Wrap(err, "load supervisor history")
		}
		s.saved = saved
	}
	return s, nil
}

// Register adds a worker. A worker known from history resumes its
// bookkeeping and, when it was running, is adopted by pid.
func (s *Supervisor) Register(name string, spec LaunchSpec) error {
	if name == "" {
		return exception.ErrInvalidArgument
	}
	if err := spec.Validate(); err != nil {
		return errors.Wrap(exception.ErrEmptyLaunchSpec, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[name]; ok {
		return errors.Wrap(exception.ErrWorkerExists, "register").With("worker", name)
	}
	w := &worker{name: name, spec: spec, st: WorkerState{Record: model.ProcessRecord{Name: name, Status: model.ProcessDead}}}
	if st, ok := s.saved[name]; ok {
		w.st = st
		w.st.Record.Name = name
		switch st.Record.Status {
		case model.ProcessRunning, model.ProcessRestarting:
			w.started = st.Record.PID > 0
			w.st.Record.Status = model.ProcessRunning
		case model.ProcessDead, model.ProcessBackoff:
			w.started = true
		}
		logs.Infof("worker %s resumed from history: %s, pid %d, restarts %d", name, w.st.Record.Status, w.st.Record.PID, w.st.Record.RestartCount)
	}
	s.workers[name] = w
	return nil
}

func (s *Supervisor) sortedLocked() []*worker {
	out := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Check runs one pass over every worker.
func (s *Supervisor) Check(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.sortedLocked() {
		s.checkLocked(ctx, w, now)
	}
}

func (s *Supervisor) checkLocked(ctx context.Context, w *worker, now time.Time) {
	if w.inflight {
		return
	}
	if s.policy.resetIfQuiet(&w.st, now) {
		logs.Infof("worker %s quiet for %s, restart count reset", w.name, s.cfg.ResetAfter)
		s.saveLocked(w)
	}
	if !w.started {
		s.launchLocked(ctx, w, false)
		return
	}

	rec := &w.st.Record
	switch rec.Status {
	case model.ProcessRunning:
		err := s.probe.Probe(Target{Name: w.name, PID: rec.PID, Spec: w.spec})
		if err == nil {
			rec.LastSeen = now
			if w.awaitingRecovery && now.Sub(rec.LastRestartAt) >= s.cfg.StableAfter {
				s.recoveredLocked(w, now)
			}
			return
		}
		s.failLocked(w, now, err)
	case model.ProcessBackoff:
		if now.Before(w.st.BackoffUntil) {
			return
		}
	}
	if err := s.restartLocked(ctx, w, now, false); err != nil {
		logs.Debugf("worker %s not restarted: %v", w.name, err)
	}
}

func (s *Supervisor) failLocked(w *worker, now time.Time, cause error) {
	rec := &w.st.Record
	rec.Status = model.ProcessDead
	rec.PID = 0
	rec.FailureCount++
	rec.LastFailureAt = now
	w.st.FailureStreak++
	w.awaitingRecovery = false
	logs.Warnf("worker %s failed (streak %d), err: %+v", w.name, w.st.FailureStreak, cause)
	if s.policy.shouldAlert(w.st.FailureStreak) {
		s.alertLocked(w, AlertFailure, now, fmt.Sprintf("worker down: %v", cause))
	}
	s.saveLocked(w)
}

func (s *Supervisor) recoveredLocked(w *worker, now time.Time) {
	w.awaitingRecovery = false
	streak := w.st.FailureStreak
	w.st.FailureStreak = 0
	w.st.BackoffEpisode = 0
	logs.Infof("worker %s recovered after %d failures", w.name, streak)
	s.alertLocked(w, AlertRestartSuccess, now, fmt.Sprintf("worker recovered, pid %d", w.st.Record.PID))
	s.saveLocked(w)
}

// restartLocked applies the policy and launches when allowed. forced skips
// the cooldown but never the ceiling.
func (s *Supervisor) restartLocked(ctx context.Context, w *worker, now time.Time, forced bool) error {
	rec := &w.st.Record
	if s.policy.ceilingReached(&w.st, now) {
		if forced {
			return errors.Wrap(exception.ErrCeilingReached, "force restart").With("worker", w.name)
		}
		entering := rec.Status != model.ProcessBackoff
		s.policy.nextBackoff(&w.st, now)
		rec.Status = model.ProcessBackoff
		if entering {
			s.alertLocked(w, AlertPersistentFailure, now, fmt.Sprintf(
				"%d restarts within %s, manual intervention required; next attempt after %s",
				len(w.st.Attempts), s.cfg.Window, w.st.BackoffUntil.Format(time.RFC3339)))
		}
		s.saveLocked(w)
		return exception.ErrCeilingReached
	}
	if !forced && s.policy.coolingDown(&w.st, now) {
		if rec.Status == model.ProcessBackoff {
			rec.Status = model.ProcessDead
		}
		return exception.ErrCooldownActive
	}

	w.st.Attempts = append(w.st.Attempts, now)
	rec.RestartCount++
	rec.LastRestartAt = now
	rec.Status = model.ProcessRestarting
	s.saveLocked(w)
	if s.observer != nil {
		s.observer.ObserveRestart(w.name)
	}
	logs.Infof("restarting worker %s (attempt %d in window, %d total)", w.name, len(w.st.Attempts), rec.RestartCount)
	s.launchLocked(ctx, w, true)
	return nil
}

// launchLocked starts the worker asynchronously. The launcher confirms the
// start within a bounded time; the result is applied under the lock.
func (s *Supervisor) launchLocked(ctx context.Context, w *worker, restart bool) {
	w.inflight = true
	s.launches.Add(1)
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.StartTimeout+time.Second)
	go func() {
		defer s.launches.Done()
		defer cancel()
		pid, err := s.launcher.Start(launchCtx, w.name, w.spec)

		s.mu.Lock()
		defer s.mu.Unlock()
		w.inflight = false
		w.started = true
		now := s.clock.Now()
		if err != nil {
			s.failLocked(w, now, errors.Wrap(err, "launch"))
			return
		}
		w.st.Record.PID = pid
		w.st.Record.Status = model.ProcessRunning
		w.st.Record.LastSeen = now
		w.awaitingRecovery = restart
		logs.Infof("worker %s started, pid %d", w.name, pid)
		s.saveLocked(w)
	}()
}

// ForceRestart restarts name now, bypassing the cooldown. The attempt still
// counts toward the rolling ceiling and is refused once the ceiling is reached.
func (s *Supervisor) ForceRestart(ctx context.Context, name string) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return errors.Wrap(exception.ErrWorkerUnknown, "force restart").With("worker", name)
	}
	if w.inflight {
		return errors.Wrap(exception.ErrCooldownActive, "restart in flight").With("worker", name)
	}
	s.policy.resetIfQuiet(&w.st, now)
	if s.policy.ceilingReached(&w.st, now) {
		return errors.Wrap(exception.ErrCeilingReached, "force restart").With("worker", name)
	}
	if pid := w.st.Record.PID; pid > 0 && w.st.Record.Status == model.ProcessRunning {
		if err := s.launcher.Stop(pid); err != nil {
			logs.Warnf("stop worker %s pid %d, err: %+v", name, pid, err)
		}
		w.st.Record.PID = 0
		w.st.Record.Status = model.ProcessDead
	}
	logs.Infof("manual restart of worker %s requested", name)
	return s.restartLocked(ctx, w, now, true)
}

func (s *Supervisor) alertLocked(w *worker, kind AlertKind, now time.Time, msg string) {
	a := Alert{
		Kind:         kind,
		Worker:       w.name,
		Message:      msg,
		FailureCount: w.st.Record.FailureCount,
		RestartCount: w.st.Record.RestartCount,
		At:           now,
	}
	if s.observer != nil {
		s.observer.ObserveAlert(string(kind))
	}
	s.sending.Add(1)
	go func() {
		defer s.sending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AlertTimeout)
		defer cancel()
		if err := s.alerts.Send(ctx, a); err != nil {
			logs.Errorf("send %s alert for %s, err: %+v", a.Kind, a.Worker, err)
		}
	}()
}

func (s *Supervisor) saveLocked(w *worker) {
	if s.history == nil {
		return
	}
	if err := s.history.Save(w.name, w.st); err != nil {
		logs.Errorf("save history of %s, err: %+v", w.name, err)
	}
}

// Records returns a snapshot of every worker, sorted by name.
func (s *Supervisor) Records() []model.ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProcessRecord, 0, len(s.workers))
	for _, w := range s.sortedLocked() {
		out = append(out, w.st.Record)
	}
	return out
}

// Record returns one worker's record.
func (s *Supervisor) Record(name string) (model.ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return model.ProcessRecord{}, errors.Wrap(exception.ErrWorkerUnknown, "record").With("worker", name)
	}
	return w.st.Record, nil
}

// Wait blocks until in-flight launches and alert deliveries finish.
func (s *Supervisor) Wait() {
	s.launches.Wait()
	s.sending.Wait()
}

// Run checks every CheckInterval until ctx is done, then waits a bounded
// time for in-flight launches and alerts.
func (s *Supervisor) Run(ctx context.Context) error {
	logs.Infof("supervisor watching %d workers every %s", len(s.Records()), s.cfg.CheckInterval)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			done := make(chan struct{})
			go func() {
				s.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(2*s.cfg.StartTimeout + s.cfg.AlertTimeout):
				logs.Warn("supervisor stopped with launches or alerts still in flight")
			}
			logs.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}
