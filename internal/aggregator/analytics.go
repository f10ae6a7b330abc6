package aggregator

import (
	"math"
	"sort"
	"time"

	"tickrelay/internal/model"
	"tickrelay/internal/pips"
)

// outOfOrder reports whether r was observed before newest. Readings without a
// client time are taken in arrival order.
func outOfOrder(r model.Reading, newest time.Time) bool {
	return !r.ObservedAt.IsZero() && r.ObservedAt.Before(newest)
}

// inOrder drops readings observed before an earlier entry of the slice.
func inOrder(readings []model.Reading) []model.Reading {
	out := make([]model.Reading, 0, len(readings))
	var newest time.Time
	for _, r := range readings {
		if outOfOrder(r, newest) {
			continue
		}
		if r.ObservedAt.After(newest) {
			newest = r.ObservedAt
		}
		out = append(out, r)
	}
	return out
}

// computeOrderFlow classifies each reading by the direction of its mid against
// the previous one: upticks count as bid pressure, downticks as ask pressure,
// and unchanged mids keep the previous side.
func computeOrderFlow(readings []model.Reading, window int) OrderFlowSnapshot {
	if len(readings) > window {
		readings = readings[len(readings)-window:]
	}
	snap := OrderFlowSnapshot{Window: len(readings)}
	side := 0
	for i := 1; i < len(readings); i++ {
		delta := readings[i].Mid() - readings[i-1].Mid()
		switch {
		case delta > 0:
			side = 1
		case delta < 0:
			side = -1
		}
		switch side {
		case 1:
			snap.BidVolume += readings[i].Volume
		case -1:
			snap.AskVolume += readings[i].Volume
		}
	}
	snap.Imbalance = imbalance(snap.BidVolume, snap.AskVolume)
	if n := len(readings); n > 0 {
		snap.AsOf = readings[n-1].ReceivedAt
	}
	return snap
}

func imbalance(bid, ask float64) float64 {
	total := bid + ask
	if total <= 0 {
		return 0
	}
	v := (bid - ask) / total
	return math.Max(-1, math.Min(1, v))
}

type bucket struct {
	index   int64
	volume  float64
	touches int
}

// computeLiquidity buckets mids, ranks buckets by accumulated volume and keeps
// the top k strictly above and below price.
func computeLiquidity(instrument string, readings []model.Reading, price float64, table *pips.Table, cfg Config) LiquidityMap {
	if len(readings) == 0 {
		return LiquidityMap{}
	}
	width := table.FromPips(instrument, cfg.BucketPips)
	out := LiquidityMap{Price: price, Above: []Zone{}, Below: []Zone{}}
	if width <= 0 {
		return out
	}

	buckets := make(map[int64]*bucket)
	for _, r := range readings {
		idx := int64(math.Floor(r.Mid() / width))
		b := buckets[idx]
		if b == nil {
			b = &bucket{index: idx}
			buckets[idx] = b
		}
		b.volume += r.Volume
		b.touches++
	}

	var above, below []Zone
	for _, b := range buckets {
		low := float64(b.index) * width
		high := low + width
		z := Zone{Low: low, High: high, Volume: b.volume, Touches: b.touches}
		switch {
		case low > price:
			z.DistancePips = table.ToPips(instrument, low-price)
			above = append(above, z)
		case high <= price:
			z.DistancePips = table.ToPips(instrument, price-high)
			below = append(below, z)
		}
	}
	out.Above = topZones(above, cfg.TopZones)
	out.Below = topZones(below, cfg.TopZones)

	if len(out.Above) > 0 && len(out.Below) > 0 {
		up, down := nearest(out.Above), nearest(out.Below)
		if up.DistancePips <= cfg.SweepDistancePips && down.DistancePips <= cfg.SweepDistancePips {
			out.Sweep = &SweepZone{Low: down.Low, High: up.High}
		}
	}
	return out
}

func topZones(zones []Zone, k int) []Zone {
	sort.Slice(zones, func(i, j int) bool {
		if zones[i].Volume != zones[j].Volume {
			return zones[i].Volume > zones[j].Volume
		}
		if zones[i].Touches != zones[j].Touches {
			return zones[i].Touches > zones[j].Touches
		}
		return zones[i].DistancePips < zones[j].DistancePips
	})
	if len(zones) > k {
		zones = zones[:k]
	}
	if zones == nil {
		return []Zone{}
	}
	return zones
}

func nearest(zones []Zone) Zone {
	best := zones[0]
	for _, z := range zones[1:] {
		if z.DistancePips < best.DistancePips {
			best = z
		}
	}
	return best
}

// computeSpreads averages the last window spreads per origin label.
func computeSpreads(instrument string, readings []model.Reading, table *pips.Table, cfg Config) []OriginSpread {
	type acc struct {
		sum      float64
		n        int
		lastSeen model.Reading
	}
	byOrigin := make(map[string]*acc)
	for i := len(readings) - 1; i >= 0; i-- {
		r := readings[i]
		origin := r.OriginLabel
		if origin == "" {
			origin = "unknown"
		}
		a := byOrigin[origin]
		if a == nil {
			a = &acc{lastSeen: r}
			byOrigin[origin] = a
		}
		if a.n >= cfg.SpreadWindow {
			continue
		}
		a.sum += r.Spread()
		a.n++
	}

	out := make([]OriginSpread, 0, len(byOrigin))
	for origin, a := range byOrigin {
		out = append(out, OriginSpread{
			Origin:        origin,
			AvgSpreadPips: table.ToPips(instrument, a.sum/float64(a.n)),
			Samples:       a.n,
			LastSeen:      a.lastSeen.ReceivedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgSpreadPips != out[j].AvgSpreadPips {
			return out[i].AvgSpreadPips < out[j].AvgSpreadPips
		}
		return out[i].Origin < out[j].Origin
	})
	if len(out) > 0 {
		narrow := out[0].AvgSpreadPips
		for i := range out {
			if narrow > 0 && out[i].AvgSpreadPips > narrow*cfg.AbnormalSpreadRatio {
				out[i].Abnormal = true
			}
		}
	}
	return out
}
