package supervisor

import "time"

// Clock is injected so the rolling window, cooldown and reset can be
// driven by tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
