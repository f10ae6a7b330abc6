package model

import "time"

// Reading is one bid/ask/volume observation reported by a remote client.
// Readings are values; holders never mutate them.
type Reading struct {
	Instrument  string    `json:"instrument"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Volume      float64   `json:"volume"`
	ObservedAt  time.Time `json:"observed_at"`
	ReceivedAt  time.Time `json:"received_at"`
	SourceID    string    `json:"source_id"`
	OriginLabel string    `json:"origin_label"`
}

// Spread returns ask minus bid in price units.
func (r Reading) Spread() float64 {
	return r.Ask - r.Bid
}

// Mid returns the midpoint of bid and ask.
func (r Reading) Mid() float64 {
	return (r.Bid + r.Ask) / 2
}

// ClientRecord tracks one remote producer.
type ClientRecord struct {
	SourceID       string    `json:"source_id"`
	NetworkAddress string    `json:"network_address"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Readings       uint64    `json:"readings"`
}
