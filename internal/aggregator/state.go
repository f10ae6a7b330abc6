package aggregator

import (
	"time"

	"tickrelay/internal/model"
)

// InstrumentState is the cached computation for one instrument.
type InstrumentState struct {
	Instrument string            `json:"instrument"`
	Latest     model.Reading     `json:"latest"`
	Readings   int               `json:"readings"`
	OrderFlow  OrderFlowSnapshot `json:"order_flow"`
	Liquidity  LiquidityMap      `json:"liquidity"`
	LastUpdate time.Time         `json:"last_update"`
	ComputedAt time.Time         `json:"computed_at"`
}

// OrderFlowSnapshot is the signed volume imbalance over the most recent readings.
type OrderFlowSnapshot struct {
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
	// Imbalance is (bid-ask)/(bid+ask), in [-1, 1], 0 without volume.
	Imbalance float64   `json:"imbalance"`
	Window    int       `json:"window"`
	AsOf      time.Time `json:"as_of"`
}

// Zone is a price bucket with accumulated volume.
type Zone struct {
	Low          float64 `json:"low"`
	High         float64 `json:"high"`
	Volume       float64 `json:"volume"`
	Touches      int     `json:"touches"`
	DistancePips float64 `json:"distance_pips"`
}

// SweepZone marks reaction zones close to price on both sides.
type SweepZone struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// LiquidityMap lists candidate reaction zones ranked by volume.
type LiquidityMap struct {
	Price float64    `json:"price"`
	Above []Zone     `json:"above"`
	Below []Zone     `json:"below"`
	Sweep *SweepZone `json:"sweep,omitempty"`
}

// Health reports freshness of one instrument.
type Health struct {
	Instrument string        `json:"instrument"`
	Known      bool          `json:"known"`
	Active     bool          `json:"active"`
	Stale      bool          `json:"stale"`
	LastUpdate time.Time     `json:"last_update"`
	Age        time.Duration `json:"age"`
}

// Summary is one row of the active instruments listing.
type Summary struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Readings   int       `json:"readings"`
	LastUpdate time.Time `json:"last_update"`
}

// OriginSpread is the recent average spread reported through one origin.
type OriginSpread struct {
	Origin        string    `json:"origin"`
	AvgSpreadPips float64   `json:"avg_spread_pips"`
	Samples       int       `json:"samples"`
	LastSeen      time.Time `json:"last_seen"`
	Abnormal      bool      `json:"abnormal"`
}

// SpreadReport compares the spreads of different origins on one instrument.
type SpreadReport struct {
	Instrument       string         `json:"instrument"`
	Origins          []OriginSpread `json:"origins"`
	Narrowest        string         `json:"narrowest"`
	Widest           string         `json:"widest"`
	DifferentialPips float64        `json:"differential_pips"`
	ComputedAt       time.Time      `json:"computed_at"`
}
