package model

import (
	"errors"
	"testing"
	"time"

	"tickrelay/pkg/exception"
)

func TestSignalValidate(t *testing.T) {
	base := Signal{ID: "s1", Instrument: "EURUSD", EntryPrice: 1.0850, StopPrice: 1.0830, TargetPrice: 1.0900, Direction: DirectionLong}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid long rejected: %v", err)
	}

	short := base
	short.Direction = DirectionShort
	if err := short.Validate(); !errors.Is(err, exception.ErrSignalInvalid) {
		t.Fatalf("short with long geometry must be invalid, got %v", err)
	}
	short.StopPrice, short.TargetPrice = 1.0900, 1.0830
	if err := short.Validate(); err != nil {
		t.Fatalf("valid short rejected: %v", err)
	}

	noID := base
	noID.ID = ""
	if err := noID.Validate(); !errors.Is(err, exception.ErrSignalInvalid) {
		t.Fatalf("expected ErrSignalInvalid, got %v", err)
	}
}

func TestSignalCloneIsDeep(t *testing.T) {
	move := 12.0
	now := time.Now()
	s := Signal{ID: "s1", RealizedMove: &move, ResolvedAt: &now, Horizons: map[string]HorizonSnapshot{"30m": {RealizedMove: 1}}}
	c := s.Clone()
	*c.RealizedMove = 99
	c.Horizons["30m"] = HorizonSnapshot{RealizedMove: 2}
	if *s.RealizedMove != 12 || s.Horizons["30m"].RealizedMove != 1 {
		t.Fatalf("clone shares state with original")
	}
}

func TestParseDirectionAndHorizonLabel(t *testing.T) {
	if d, ok := ParseDirection(" SELL "); !ok || d != DirectionShort {
		t.Fatalf("got %q %v", d, ok)
	}
	if _, ok := ParseDirection("flat"); ok {
		t.Fatalf("flat must not parse")
	}
	if got := HorizonLabel(90 * time.Minute); got != "90m" {
		t.Fatalf("got %q", got)
	}
}
