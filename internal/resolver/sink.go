package resolver

import (
	"github.com/yanun0323/logs"

	"tickrelay/internal/model"
)

// OutcomeSink receives every signal that reached a terminal status.
// Implementations must not block.
type OutcomeSink interface {
	Resolved(sig model.Signal)
}

// LogSink logs resolutions.
type LogSink struct{}

func (LogSink) Resolved(sig model.Signal) {
	mv := 0.0
	if sig.RealizedMove != nil {
		mv = *sig.RealizedMove
	}
	logs.Infof("signal %s %s %s resolved %s at %v, move: %+.1f pips",
		sig.ID, sig.Instrument, sig.Direction, sig.Outcome, sig.ResolvedPrice, mv)
}

// MultiSink fans a resolution out to several sinks.
type MultiSink []OutcomeSink

func (m MultiSink) Resolved(sig model.Signal) {
	for _, s := range m {
		if s != nil {
			s.Resolved(sig.Clone())
		}
	}
}
