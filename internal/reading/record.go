package reading

import (
	"strconv"
	"strings"
	"time"

	"tickrelay/internal/model"
)

// Record is one decoded client record before validation.
type Record struct {
	Instrument  string
	Bid         float64
	Ask         float64
	Spread      float64
	Volume      float64
	ObservedAt  time.Time
	SourceID    string
	OriginLabel string
	Provenance  string

	HasBid    bool
	HasAsk    bool
	HasSpread bool
}

var (
	instrumentKeys = []string{"symbol", "instrument", "sym", "pair"}
	bidKeys        = []string{"bid"}
	askKeys        = []string{"ask"}
	spreadKeys     = []string{"spread"}
	volumeKeys     = []string{"volume", "vol", "tick_volume"}
	timeKeys       = []string{"time", "ts", "timestamp", "observed_at"}
	sourceKeys     = []string{"client", "source_id", "client_id", "account"}
	originKeys     = []string{"broker", "origin", "origin_label", "server"}
	provenanceKeys = []string{"provenance", "tag", "source"}
)

// quoted forms used by the byte scanners.
var (
	quotedInstrumentKeys = quoteAll(instrumentKeys)
	quotedBidKeys        = quoteAll(bidKeys)
	quotedAskKeys        = quoteAll(askKeys)
	quotedSpreadKeys     = quoteAll(spreadKeys)
	quotedVolumeKeys     = quoteAll(volumeKeys)
	quotedTimeKeys       = quoteAll(timeKeys)
	quotedSourceKeys     = quoteAll(sourceKeys)
	quotedOriginKeys     = quoteAll(originKeys)
	quotedProvenanceKeys = quoteAll(provenanceKeys)
)

func quoteAll(keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(`"` + k + `"`)
	}
	return out
}

func isInstrumentKey(key []byte) bool {
	for _, k := range instrumentKeys {
		if string(key) == k {
			return true
		}
	}
	return false
}

// recordFromMap picks aliased fields out of a decoded object.
func recordFromMap(m map[string]any) Record {
	var rec Record
	rec.Instrument = stringField(m, instrumentKeys)
	rec.Bid, rec.HasBid = numberField(m, bidKeys)
	rec.Ask, rec.HasAsk = numberField(m, askKeys)
	rec.Spread, rec.HasSpread = numberField(m, spreadKeys)
	rec.Volume, _ = numberField(m, volumeKeys)
	rec.SourceID = stringField(m, sourceKeys)
	rec.OriginLabel = stringField(m, originKeys)
	rec.Provenance = stringField(m, provenanceKeys)
	for _, k := range timeKeys {
		if v, ok := m[k]; ok {
			rec.ObservedAt = parseTime(v)
			break
		}
	}
	return rec
}

func stringField(m map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func numberField(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006.01.02 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTime accepts unix seconds, milliseconds, microseconds or nanoseconds,
// and a few textual layouts. Unparseable values yield the zero time.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case float64:
		return unixAuto(t)
	case string:
		s := strings.TrimSpace(t)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixAuto(f)
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

func unixAuto(v float64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v >= 1e17:
		return time.Unix(0, int64(v)).UTC()
	case v >= 1e14:
		return time.UnixMicro(int64(v)).UTC()
	case v >= 1e11:
		return time.UnixMilli(int64(v)).UTC()
	default:
		sec := int64(v)
		return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
	}
}

// NormalizeInstrument upper-cases a symbol and strips separators, so
// "eur/usd" and "EUR_USD" both become "EURUSD".
func NormalizeInstrument(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '_', '-', ' ':
			return -1
		}
		return r
	}, s)
}

func (r Record) reading(fallbackSource string, now time.Time) model.Reading {
	ask := r.Ask
	if !r.HasAsk && r.HasSpread {
		ask = r.Bid + r.Spread
	}
	source := r.SourceID
	if source == "" {
		source = fallbackSource
	}
	observed := r.ObservedAt
	if observed.IsZero() {
		observed = now
	}
	return model.Reading{
		Instrument:  NormalizeInstrument(r.Instrument),
		Bid:         r.Bid,
		Ask:         ask,
		Volume:      r.Volume,
		ObservedAt:  observed,
		ReceivedAt:  now,
		SourceID:    source,
		OriginLabel: r.OriginLabel,
	}
}
