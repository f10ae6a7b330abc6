package supervisor

import (
	"time"

	"tickrelay/pkg/backoff"
)

// policy holds the restart rules. All decisions take the current time
// explicitly so tests can drive them with a fake clock.
type policy struct {
	alertEvery  int
	window      time.Duration
	ceiling     int
	cooldown    time.Duration
	stableAfter time.Duration
	resetAfter  time.Duration
	backoff     backoff.Backoff
}

func newPolicy(cfg Config) policy {
	return policy{
		alertEvery:  cfg.AlertEvery,
		window:      cfg.Window,
		ceiling:     cfg.Ceiling,
		cooldown:    cfg.Cooldown,
		stableAfter: cfg.StableAfter,
		resetAfter:  cfg.ResetAfter,
		backoff: backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: 0.1,
		},
	}
}

// shouldAlert reports whether the streak-th consecutive failure alerts:
// the first one, then every alertEvery-th after it.
func (p policy) shouldAlert(streak int) bool {
	return streak == 1 || (streak > 1 && (streak-1)%p.alertEvery == 0)
}

// prune drops attempts that left the rolling window.
func (p policy) prune(st *WorkerState, now time.Time) {
	cut := 0
	for cut < len(st.Attempts) && now.Sub(st.Attempts[cut]) >= p.window {
		cut++
	}
	if cut > 0 {
		st.Attempts = append(st.Attempts[:0:0], st.Attempts[cut:]...)
	}
}

func (p policy) ceilingReached(st *WorkerState, now time.Time) bool {
	p.prune(st, now)
	return len(st.Attempts) >= p.ceiling
}

func (p policy) coolingDown(st *WorkerState, now time.Time) bool {
	last := st.Record.LastRestartAt
	return !last.IsZero() && now.Sub(last) < p.cooldown
}

// resetIfQuiet zeroes the counters once no failure happened for resetAfter.
func (p policy) resetIfQuiet(st *WorkerState, now time.Time) bool {
	last := st.Record.LastFailureAt
	if last.IsZero() || now.Sub(last) < p.resetAfter {
		return false
	}
	if st.Record.RestartCount == 0 && st.Record.FailureCount == 0 && len(st.Attempts) == 0 {
		return false
	}
	st.Record.RestartCount = 0
	st.Record.FailureCount = 0
	st.Attempts = nil
	st.BackoffEpisode = 0
	st.FailureStreak = 0
	return true
}

func (p policy) nextBackoff(st *WorkerState, now time.Time) {
	st.BackoffEpisode++
	st.BackoffUntil = now.Add(p.backoff.Next(st.BackoffEpisode))
}
