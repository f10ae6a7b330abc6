package supervisor

import (
	"os"
	"syscall"
	"time"

	"github.com/yanun0323/errors"

	"tickrelay/pkg/exception"
)

// Target is what a probe inspects.
type Target struct {
	Name string
	PID  int
	Spec LaunchSpec
}

// LivenessProbe reports nil when the target is alive and an error
// describing the failure otherwise.
type LivenessProbe interface {
	Probe(t Target) error
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(t Target) error

func (f ProbeFunc) Probe(t Target) error { return f(t) }

// ProcessProbe checks the process table by sending signal 0 to the pid.
type ProcessProbe struct{}

func (ProcessProbe) Probe(t Target) error {
	if t.PID <= 0 {
		return exception.ErrProcessNotRunning
	}
	p, err := os.FindProcess(t.PID)
	if err != nil {
		return errors.Wrap(exception.ErrProcessNotRunning, err.Error()).With("pid", t.PID)
	}
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return errors.Wrap(exception.ErrProcessNotRunning, err.Error()).With("pid", t.PID)
	}
	return nil
}

// HeartbeatProbe requires the target's heartbeat file to be younger than
// its HeartbeatMaxAge (or MaxAge when the spec has none). Targets without a
// heartbeat file pass.
type HeartbeatProbe struct {
	MaxAge time.Duration
	Clock  Clock
}

var errHeartbeatStale = errors.New("heartbeat stale")

func (h HeartbeatProbe) Probe(t Target) error {
	if t.Spec.HeartbeatFile == "" {
		return nil
	}
	maxAge := t.Spec.HeartbeatMaxAge
	if maxAge <= 0 {
		maxAge = h.MaxAge
	}
	if maxAge <= 0 {
		return nil
	}
	info, err := os.Stat(t.Spec.HeartbeatFile)
	if err != nil {
		return errors.Wrap(err, "stat heartbeat").With("file", t.Spec.HeartbeatFile)
	}
	var clock Clock = realClock{}
	if h.Clock != nil {
		clock = h.Clock
	}
	if age := clock.Now().Sub(info.ModTime()); age > maxAge {
		return errors.Wrapf(errHeartbeatStale, "heartbeat %s is %s old", t.Spec.HeartbeatFile, age.Truncate(time.Second))
	}
	return nil
}

// AllProbe passes only when every probe passes.
type AllProbe []LivenessProbe

func (a AllProbe) Probe(t Target) error {
	for _, p := range a {
		if p == nil {
			continue
		}
		if err := p.Probe(t); err != nil {
			return err
		}
	}
	return nil
}
