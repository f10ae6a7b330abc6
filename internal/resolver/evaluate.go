package resolver

import (
	"tickrelay/internal/model"
	"tickrelay/internal/pips"
)

// exitPrice is the executable exit: the bid closes a long, the ask a short.
func exitPrice(sig model.Signal, r model.Reading) float64 {
	if sig.Direction == model.DirectionShort {
		return r.Ask
	}
	return r.Bid
}

// classify compares p with the signal's stop and target. When both are
// touched the stop wins.
func classify(sig model.Signal, p float64) model.Outcome {
	var stopHit, targetHit bool
	switch sig.Direction {
	case model.DirectionLong:
		stopHit = p <= sig.StopPrice
		targetHit = p >= sig.TargetPrice
	case model.DirectionShort:
		stopHit = p >= sig.StopPrice
		targetHit = p <= sig.TargetPrice
	}
	switch {
	case stopHit:
		return model.OutcomeStopHit
	case targetHit:
		return model.OutcomeTargetHit
	default:
		return model.OutcomePending
	}
}

// move is the signed distance from entry to p in pips, positive in the
// signal's favour.
func move(table *pips.Table, sig model.Signal, p float64) float64 {
	delta := p - sig.EntryPrice
	if sig.Direction == model.DirectionShort {
		delta = -delta
	}
	return table.ToPips(sig.Instrument, delta)
}
