package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"tickrelay/pkg/exception"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ParseDirection accepts long/buy and short/sell in any case.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return DirectionLong, true
	case "short", "sell":
		return DirectionShort, true
	default:
		return "", false
	}
}

type SignalStatus string

const (
	StatusPending  SignalStatus = "PENDING"
	StatusResolved SignalStatus = "RESOLVED"
	StatusExpired  SignalStatus = "EXPIRED"
)

// Outcome is both the terminal result of a signal and the classification
// recorded in a horizon snapshot, where OutcomePending is also valid.
type Outcome string

const (
	OutcomePending   Outcome = "PENDING"
	OutcomeTargetHit Outcome = "TARGET_HIT"
	OutcomeStopHit   Outcome = "STOP_HIT"
	OutcomeTimeout   Outcome = "TIMEOUT"
)

// HorizonSnapshot is the state of a signal observed once a fixed time after creation.
type HorizonSnapshot struct {
	Classification Outcome   `json:"classification"`
	RealizedMove   float64   `json:"realized_move"`
	Price          float64   `json:"price"`
	TakenAt        time.Time `json:"taken_at"`
}

// Signal is a directional trade hypothesis awaiting resolution.
type Signal struct {
	ID          string       `json:"signal_id"`
	Instrument  string       `json:"instrument"`
	Direction   Direction    `json:"direction"`
	EntryPrice  float64      `json:"entry_price"`
	StopPrice   float64      `json:"stop_price"`
	TargetPrice float64      `json:"target_price"`
	CreatedAt   time.Time    `json:"created_at"`
	Status      SignalStatus `json:"status"`

	Outcome       Outcome    `json:"outcome,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedPrice float64    `json:"resolved_price,omitempty"`
	RealizedMove  *float64   `json:"realized_move,omitempty"`

	Horizons map[string]HorizonSnapshot `json:"horizons,omitempty"`
}

// IsTerminal reports whether the signal no longer changes status.
func (s Signal) IsTerminal() bool {
	return s.Status == StatusResolved || s.Status == StatusExpired
}

// Validate checks identity and price geometry.
func (s Signal) Validate() error {
	if s.ID == "" {
		return errors.Wrap(exception.ErrSignalInvalid, "empty signal id")
	}
	if s.Instrument == "" {
		return errors.Wrapf(exception.ErrSignalInvalid, "signal %s: empty instrument", s.ID)
	}
	if s.EntryPrice <= 0 || s.StopPrice <= 0 || s.TargetPrice <= 0 {
		return errors.Wrapf(exception.ErrSignalInvalid, "signal %s: prices must be > 0", s.ID)
	}
	switch s.Direction {
	case DirectionLong:
		if !(s.StopPrice < s.EntryPrice && s.EntryPrice < s.TargetPrice) {
			return errors.Wrapf(exception.ErrSignalInvalid, "signal %s: long requires stop < entry < target", s.ID)
		}
	case DirectionShort:
		if !(s.TargetPrice < s.EntryPrice && s.EntryPrice < s.StopPrice) {
			return errors.Wrapf(exception.ErrSignalInvalid, "signal %s: short requires target < entry < stop", s.ID)
		}
	default:
		return errors.Wrapf(exception.ErrSignalInvalid, "signal %s: unknown direction %q", s.ID, s.Direction)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without sharing.
func (s Signal) Clone() Signal {
	out := s
	if s.ResolvedAt != nil {
		at := *s.ResolvedAt
		out.ResolvedAt = &at
	}
	if s.RealizedMove != nil {
		mv := *s.RealizedMove
		out.RealizedMove = &mv
	}
	if s.Horizons != nil {
		out.Horizons = make(map[string]HorizonSnapshot, len(s.Horizons))
		for k, v := range s.Horizons {
			out.Horizons[k] = v
		}
	}
	return out
}

// HorizonLabel names a horizon in whole minutes, e.g. "30m".
func HorizonLabel(d time.Duration) string {
	return fmt.Sprintf("%dm", int64(d/time.Minute))
}
