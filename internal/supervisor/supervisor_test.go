package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProcs is both the launcher and the probe: launched pids are alive
// until crashed or stopped.
type fakeProcs struct {
	mu      sync.Mutex
	next    int
	alive   map[int]bool
	stopped []int
	starts  int
	failing int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{next: 100, alive: make(map[int]bool)}
}

func (f *fakeProcs) Start(_ context.Context, _ string, _ LaunchSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.failing > 0 {
		f.failing--
		return 0, exception.ErrStartTimeout
	}
	f.next++
	f.alive[f.next] = true
	return f.next, nil
}

func (f *fakeProcs) Stop(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, pid)
	delete(f.alive, pid)
	return nil
}

func (f *fakeProcs) Probe(t Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[t.PID] {
		return exception.ErrProcessNotRunning
	}
	return nil
}

func (f *fakeProcs) crash(pid int) {
	f.mu.Lock()
	delete(f.alive, pid)
	f.mu.Unlock()
}

func (f *fakeProcs) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSink) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) kinds() []AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AlertKind, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func (r *recordingSink) count(kind AlertKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type countingObserver struct {
	mu       sync.Mutex
	restarts int
	alerts   map[string]int
}

func (o *countingObserver) ObserveRestart(string) {
	o.mu.Lock()
	o.restarts++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveAlert(kind string) {
	o.mu.Lock()
	if o.alerts == nil {
		o.alerts = make(map[string]int)
	}
	o.alerts[kind]++
	o.mu.Unlock()
}

type harness struct {
	sup   *Supervisor
	clock *fakeClock
	procs *fakeProcs
	sink  *recordingSink
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: t0}, procs: newFakeProcs(), sink: &recordingSink{}}
	base := []Option{WithClock(h.clock), WithProbe(h.procs), WithLauncher(h.procs), WithAlertSink(h.sink)}
	sup, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, sup.Register("bridge", LaunchSpec{Command: "bridge"}))
	h.sup = sup
	return h
}

func (h *harness) check(t *testing.T) model.ProcessRecord {
	t.Helper()
	h.sup.Check(t.Context())
	h.sup.Wait()
	rec, err := h.sup.Record("bridge")
	require.NoError(t, err)
	return rec
}

func TestInitialLaunchIsNotARestart(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.check(t)
	assert.Equal(t, model.ProcessRunning, rec.Status)
	assert.Equal(t, 101, rec.PID)
	assert.Equal(t, 0, rec.RestartCount)
	assert.Equal(t, 1, h.procs.startCount())

	// alive worker stays put
	h.clock.Advance(5 * time.Second)
	rec = h.check(t)
	assert.Equal(t, 101, rec.PID)
	assert.Equal(t, t0.Add(5*time.Second), rec.LastSeen)
	assert.Empty(t, h.sink.kinds())
}

func TestCeilingStopsEleventhRestart(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, Config{}, WithObserver(obs))
	rec := h.check(t)
	require.Equal(t, model.ProcessRunning, rec.Status)

	for i := 1; i <= 11; i++ {
		h.clock.Advance(5 * time.Minute)
		h.procs.crash(rec.PID)
		rec = h.check(t)
		if i <= 10 {
			if rec.Status != model.ProcessRunning {
				t.Fatalf("crash %d: expected restart, got status %s", i, rec.Status)
			}
			if rec.RestartCount != i {
				t.Fatalf("crash %d: expected %d restarts, got %d", i, i, rec.RestartCount)
			}
		}
	}

	assert.Equal(t, model.ProcessBackoff, rec.Status)
	assert.Equal(t, 10, rec.RestartCount)
	assert.Equal(t, 11, rec.FailureCount)
	assert.Equal(t, 11, h.procs.startCount())
	assert.Equal(t, 1, h.sink.count(AlertPersistentFailure))
	// failures 1, 6 and 11 alert
	assert.Equal(t, 3, h.sink.count(AlertFailure))
	assert.Equal(t, 10, obs.restarts)
	assert.Equal(t, 1, obs.alerts[string(AlertPersistentFailure)])

	// still inside the backoff: nothing happens and no second persistent alert
	h.clock.Advance(time.Minute)
	rec = h.check(t)
	assert.Equal(t, model.ProcessBackoff, rec.Status)
	assert.Equal(t, 1, h.sink.count(AlertPersistentFailure))
	assert.Equal(t, 11, h.procs.startCount())

	err := h.sup.ForceRestart(t.Context(), "bridge")
	assert.True(t, errors.Is(err, exception.ErrCeilingReached), "got %v", err)
}

func TestRestartResumesAfterWindowSlides(t *testing.T) {
	h := newHarness(t, Config{BackoffMin: time.Minute, BackoffMax: time.Minute})
	rec := h.check(t)
	for i := 0; i < 11; i++ {
		h.clock.Advance(5 * time.Minute)
		h.procs.crash(rec.PID)
		rec = h.check(t)
	}
	require.Equal(t, model.ProcessBackoff, rec.Status)

	// the first attempt leaves the window 60 minutes after it was made
	h.clock.Advance(10 * time.Minute)
	rec = h.check(t)
	assert.Equal(t, model.ProcessRunning, rec.Status)
	assert.Equal(t, 11, rec.RestartCount)
}

func TestCooldownDelaysRestart(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.check(t)

	h.clock.Advance(time.Minute)
	h.procs.crash(rec.PID)
	rec = h.check(t)
	require.Equal(t, model.ProcessRunning, rec.Status)
	require.Equal(t, 1, rec.RestartCount)

	h.clock.Advance(30 * time.Second)
	h.procs.crash(rec.PID)
	rec = h.check(t)
	assert.Equal(t, model.ProcessDead, rec.Status)
	assert.Equal(t, 1, rec.RestartCount)
	assert.Equal(t, 2, rec.FailureCount)

	h.clock.Advance(29 * time.Second)
	rec = h.check(t)
	assert.Equal(t, model.ProcessDead, rec.Status)
	assert.Equal(t, 2, rec.FailureCount, "dead worker is not counted twice")

	h.clock.Advance(time.Second)
	rec = h.check(t)
	assert.Equal(t, model.ProcessRunning, rec.Status)
	assert.Equal(t, 2, rec.RestartCount)
}

func TestAlertCadence(t *testing.T) {
	h := newHarness(t, Config{Cooldown: time.Hour, Ceiling: 100})
	rec := h.check(t)
	for i := 1; i <= 11; i++ {
		h.clock.Advance(time.Second)
		h.procs.crash(rec.PID)
		rec = h.check(t)
		if rec.Status != model.ProcessRunning {
			require.NoError(t, h.sup.ForceRestart(t.Context(), "bridge"))
			h.sup.Wait()
			rec, _ = h.sup.Record("bridge")
		}
	}
	assert.Equal(t, 11, rec.FailureCount)
	// first failure, then every fifth
	assert.Equal(t, 3, h.sink.count(AlertFailure))
}

func TestRecoveryAlertAfterStablePeriod(t *testing.T) {
	h := newHarness(t, Config{StableAfter: 2 * time.Minute})
	rec := h.check(t)
	h.clock.Advance(time.Minute)
	h.procs.crash(rec.PID)
	rec = h.check(t)
	require.Equal(t, model.ProcessRunning, rec.Status)

	h.clock.Advance(time.Minute)
	h.check(t)
	assert.Zero(t, h.sink.count(AlertRestartSuccess))

	h.clock.Advance(time.Minute)
	h.check(t)
	assert.Equal(t, 1, h.sink.count(AlertRestartSuccess))

	h.clock.Advance(time.Minute)
	h.check(t)
	assert.Equal(t, 1, h.sink.count(AlertRestartSuccess))
	assert.Equal(t, []AlertKind{AlertFailure, AlertRestartSuccess}, h.sink.kinds())
}

func TestCountersResetAfterQuietDay(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.check(t)
	for i := 0; i < 3; i++ {
		h.clock.Advance(2 * time.Minute)
		h.procs.crash(rec.PID)
		rec = h.check(t)
	}
	require.Equal(t, 3, rec.RestartCount)

	h.clock.Advance(23 * time.Hour)
	rec = h.check(t)
	assert.Equal(t, 3, rec.RestartCount)

	h.clock.Advance(time.Hour)
	rec = h.check(t)
	assert.Equal(t, 0, rec.RestartCount)
	assert.Equal(t, 0, rec.FailureCount)
	assert.Equal(t, model.ProcessRunning, rec.Status)
}

func TestForceRestart(t *testing.T) {
	h := newHarness(t, Config{})
	rec := h.check(t)
	oldPID := rec.PID

	require.NoError(t, h.sup.ForceRestart(t.Context(), "bridge"))
	h.sup.Wait()
	rec, err := h.sup.Record("bridge")
	require.NoError(t, err)
	assert.Equal(t, model.ProcessRunning, rec.Status)
	assert.NotEqual(t, oldPID, rec.PID)
	assert.Equal(t, 1, rec.RestartCount)
	assert.Equal(t, []int{oldPID}, h.procs.stopped)

	// cooldown does not apply to manual restarts
	h.clock.Advance(time.Second)
	require.NoError(t, h.sup.ForceRestart(t.Context(), "bridge"))
	h.sup.Wait()
	rec, _ = h.sup.Record("bridge")
	assert.Equal(t, 2, rec.RestartCount)
	assert.Zero(t, rec.FailureCount)

	err = h.sup.ForceRestart(t.Context(), "ghost")
	assert.True(t, errors.Is(err, exception.ErrWorkerUnknown), "got %v", err)
}

func TestFailedLaunchCountsAsFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.procs.failing = 1
	rec := h.check(t)
	assert.Equal(t, model.ProcessDead, rec.Status)
	assert.Equal(t, 1, rec.FailureCount)
	assert.Equal(t, 1, h.sink.count(AlertFailure))

	h.clock.Advance(time.Second)
	rec = h.check(t)
	assert.Equal(t, model.ProcessRunning, rec.Status)
	assert.Equal(t, 1, rec.RestartCount)
}

func TestRegister(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.sup.Register("bridge", LaunchSpec{Command: "bridge"})
	assert.True(t, errors.Is(err, exception.ErrWorkerExists), "got %v", err)

	err = h.sup.Register("empty", LaunchSpec{})
	assert.True(t, errors.Is(err, exception.ErrEmptyLaunchSpec), "got %v", err)

	require.NoError(t, h.sup.Register("alpha", LaunchSpec{Command: "alpha"}))
	h.sup.Check(t.Context())
	h.sup.Wait()
	recs := h.sup.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "alpha", recs[0].Name)
	assert.Equal(t, "bridge", recs[1].Name)
}

func TestHistoryResumesWorkers(t *testing.T) {
	path := t.TempDir() + "/supervisor.db"
	hist, err := OpenBoltHistory(path)
	require.NoError(t, err)

	h := newHarness(t, Config{}, WithHistory(hist))
	rec := h.check(t)
	h.clock.Advance(time.Minute)
	h.procs.crash(rec.PID)
	rec = h.check(t)
	require.Equal(t, 1, rec.RestartCount)
	require.NoError(t, hist.Close())

	hist, err = OpenBoltHistory(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	saved, err := hist.Load()
	require.NoError(t, err)
	require.Contains(t, saved, "bridge")
	assert.Equal(t, rec.PID, saved["bridge"].Record.PID)
	assert.Len(t, saved["bridge"].Attempts, 1)

	// a new supervisor adopts the running worker instead of launching it
	sup, err := New(Config{}, WithClock(h.clock), WithProbe(h.procs), WithLauncher(h.procs), WithAlertSink(h.sink), WithHistory(hist))
	require.NoError(t, err)
	require.NoError(t, sup.Register("bridge", LaunchSpec{Command: "bridge"}))
	starts := h.procs.startCount()
	sup.Check(t.Context())
	sup.Wait()
	got, err := sup.Record("bridge")
	require.NoError(t, err)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, 1, got.RestartCount)
	assert.Equal(t, starts, h.procs.startCount())
}

func TestRun(t *testing.T) {
	procs := newFakeProcs()
	sup, err := New(Config{CheckInterval: 10 * time.Millisecond, Cooldown: time.Millisecond},
		WithProbe(procs), WithLauncher(procs), WithAlertSink(&recordingSink{}))
	require.NoError(t, err)
	require.NoError(t, sup.Register("bridge", LaunchSpec{Command: "bridge"}))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, _ := sup.Record("bridge")
		return rec.Status == model.ProcessRunning
	}, time.Second, 5*time.Millisecond)

	rec, _ := sup.Record("bridge")
	procs.crash(rec.PID)
	require.Eventually(t, func() bool {
		rec, _ := sup.Record("bridge")
		return rec.RestartCount == 1 && rec.Status == model.ProcessRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Ceiling)
	assert.Equal(t, 60*time.Second, cfg.Cooldown)
	assert.Equal(t, cfg.Cooldown, cfg.StableAfter)

	_, err := New(Config{Window: 2 * time.Hour, ResetAfter: time.Hour})
	assert.Error(t, err)
	_, err = New(Config{BackoffMin: time.Hour, BackoffMax: time.Minute})
	assert.Error(t, err)
}
