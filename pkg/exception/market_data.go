package exception

import "errors"

var (
	ErrInstrumentUnavailable = errors.New("market data: instrument unavailable")
	ErrInstrumentStale       = errors.New("market data: instrument stale")
	ErrNotEnoughOrigins      = errors.New("market data: not enough origins to compare")
	ErrEmptyInstrument       = errors.New("market data: empty instrument")
)
