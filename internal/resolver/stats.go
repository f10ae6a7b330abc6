package resolver

import (
	"math"
	"sort"
	"strings"

	"github.com/yanun0323/errors"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

// FinalHorizon selects terminal outcomes in Stats.
const FinalHorizon = "final"

// Bucket aggregates outcomes of a group of signals.
type Bucket struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	TargetHit int     `json:"target_hit"`
	StopHit   int     `json:"stop_hit"`
	Timeout   int     `json:"timeout"`
	WinRate   float64 `json:"win_rate"`
	AvgMove   float64 `json:"avg_move"`

	moveSum float64
	decided int
}

func (b *Bucket) add(outcome model.Outcome, mv float64, hasMove bool) {
	b.Total++
	switch outcome {
	case model.OutcomeTargetHit:
		b.TargetHit++
	case model.OutcomeStopHit:
		b.StopHit++
	case model.OutcomeTimeout:
		b.Timeout++
	default:
		b.Pending++
	}
	if hasMove {
		b.moveSum += mv
		b.decided++
	}
}

func (b *Bucket) finish() {
	if closed := b.TargetHit + b.StopHit + b.Timeout; closed > 0 {
		b.WinRate = round(float64(b.TargetHit)/float64(closed), 4)
	}
	if b.decided > 0 {
		b.AvgMove = round(b.moveSum/float64(b.decided), 1)
	}
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// Stats summarises signal outcomes for one horizon.
type Stats struct {
	Horizon      string            `json:"horizon"`
	Overall      Bucket            `json:"overall"`
	ByInstrument map[string]Bucket `json:"by_instrument"`
	Instruments  []string          `json:"instruments"`
}

// Stats aggregates outcomes. horizon is FinalHorizon (or empty) for terminal
// outcomes, otherwise a configured horizon label such as "30m"; signals whose
// snapshot for that horizon is not taken yet are left out.
func (r *Resolver) Stats(horizon string) (Stats, error) {
	horizon = strings.TrimSpace(horizon)
	if horizon == "" {
		horizon = FinalHorizon
	}
	if horizon != FinalHorizon && !r.hasHorizon(horizon) {
		return Stats{}, errors.Wrap(exception.ErrUnknownHorizon, "stats").With("horizon", horizon)
	}
	signals, err := r.Signals()
	if err != nil {
		return Stats{}, err
	}
	return Summarise(signals, horizon), nil
}

func (r *Resolver) hasHorizon(label string) bool {
	for _, h := range r.Horizons() {
		if h == label {
			return true
		}
	}
	return false
}

// Summarise aggregates signals for horizon without a running resolver, e.g.
// straight from the log.
func Summarise(signals []model.Signal, horizon string) Stats {
	st := Stats{Horizon: horizon, ByInstrument: make(map[string]Bucket)}
	buckets := make(map[string]*Bucket)
	for _, sig := range signals {
		outcome, mv, hasMove, ok := outcomeAt(sig, horizon)
		if !ok {
			continue
		}
		st.Overall.add(outcome, mv, hasMove)
		b := buckets[sig.Instrument]
		if b == nil {
			b = &Bucket{}
			buckets[sig.Instrument] = b
		}
		b.add(outcome, mv, hasMove)
	}
	st.Overall.finish()
	for inst, b := range buckets {
		b.finish()
		st.ByInstrument[inst] = *b
		st.Instruments = append(st.Instruments, inst)
	}
	sort.Strings(st.Instruments)
	return st
}

func outcomeAt(sig model.Signal, horizon string) (model.Outcome, float64, bool, bool) {
	if horizon == FinalHorizon {
		if !sig.IsTerminal() {
			return model.OutcomePending, 0, false, true
		}
		mv := 0.0
		if sig.RealizedMove != nil {
			mv = *sig.RealizedMove
		}
		return sig.Outcome, mv, true, true
	}
	snap, ok := sig.Horizons[horizon]
	if !ok {
		return "", 0, false, false
	}
	return snap.Classification, snap.RealizedMove, snap.Price > 0, true
}
