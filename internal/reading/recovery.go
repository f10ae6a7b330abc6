package reading

import (
	"github.com/bytedance/sonic"

	"tickrelay/pkg/scanner"
)

// Recovery turns a frame into records, from most to least faithful.
// Implementations must be safe for concurrent use.
type Recovery interface {
	// TryStrict decodes a well-formed frame.
	TryStrict(frame []byte) ([]Record, bool)
	// TryRepair returns a structurally balanced copy of a damaged frame.
	TryRepair(frame []byte) ([]byte, bool)
	// TryExtractFields pulls instrument/bid/ask/volume/time tuples out of any text.
	TryExtractFields(frame []byte) []Record
}

// Tier identifies which recovery stage produced a record.
type Tier uint8

const (
	TierNone Tier = iota
	TierStrict
	TierRepair
	TierExtract
	tierEnd
)

func (t Tier) String() string {
	switch t {
	case TierStrict:
		return "strict"
	case TierRepair:
		return "repair"
	case TierExtract:
		return "extract"
	default:
		return "none"
	}
}

// DefaultRecovery is the standard three-tier strategy.
type DefaultRecovery struct{}

var _ Recovery = DefaultRecovery{}

func (DefaultRecovery) TryStrict(frame []byte) ([]Record, bool) {
	return decodeStrict(frame)
}

func (DefaultRecovery) TryRepair(frame []byte) ([]byte, bool) {
	return Repair(frame)
}

func (DefaultRecovery) TryExtractFields(frame []byte) []Record {
	return ExtractFields(frame)
}

// decodeStrict accepts a single object or an array of objects.
func decodeStrict(frame []byte) ([]Record, bool) {
	i := skipSpace(frame, 0)
	if i >= len(frame) {
		return nil, false
	}
	switch frame[i] {
	case '{':
		var m map[string]any
		if err := sonic.ConfigStd.Unmarshal(frame, &m); err != nil {
			return nil, false
		}
		return []Record{recordFromMap(m)}, true
	case '[':
		var list []map[string]any
		if err := sonic.ConfigStd.Unmarshal(frame, &list); err != nil {
			return nil, false
		}
		out := make([]Record, 0, len(list))
		for _, m := range list {
			out = append(out, recordFromMap(m))
		}
		return out, true
	}
	return nil, false
}

// ExtractFields recovers records from text whose structure is lost. Each
// segment that starts at a '{' and names an instrument is scanned on its own;
// segments without an instrument key are folded into the previous one.
func ExtractFields(frame []byte) []Record {
	segments := splitSegments(frame)
	out := make([]Record, 0, len(segments))
	for _, seg := range segments {
		rec, ok := scanRecord(seg)
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

func splitSegments(frame []byte) [][]byte {
	var (
		segments [][]byte
		start    = 0
	)
	for i := 1; i < len(frame); i++ {
		if frame[i] != '{' || !hasInstrumentKey(frame[start:i]) {
			continue
		}
		// only split when the next segment's own prefix names an instrument
		next := nextBrace(frame, i+1)
		if !hasInstrumentKey(frame[i:next]) {
			continue
		}
		segments = append(segments, frame[start:i])
		start = i
	}
	return append(segments, frame[start:])
}

func nextBrace(frame []byte, from int) int {
	for i := from; i < len(frame); i++ {
		if frame[i] == '{' {
			return i
		}
	}
	return len(frame)
}

func scanRecord(seg []byte) (Record, bool) {
	var rec Record
	inst, ok := firstString(seg, quotedInstrumentKeys)
	if !ok || len(inst) == 0 {
		return rec, false
	}
	rec.Instrument = string(inst)
	rec.Bid, rec.HasBid = firstFloat(seg, quotedBidKeys)
	if !rec.HasBid {
		return rec, false
	}
	rec.Ask, rec.HasAsk = firstFloat(seg, quotedAskKeys)
	rec.Spread, rec.HasSpread = firstFloat(seg, quotedSpreadKeys)
	if !rec.HasAsk && !rec.HasSpread {
		return rec, false
	}
	rec.Volume, _ = firstFloat(seg, quotedVolumeKeys)
	if raw, ok := firstToken(seg, quotedTimeKeys); ok {
		rec.ObservedAt = parseTime(string(raw))
	}
	if v, ok := firstString(seg, quotedSourceKeys); ok {
		rec.SourceID = string(v)
	}
	if v, ok := firstString(seg, quotedOriginKeys); ok {
		rec.OriginLabel = string(v)
	}
	if v, ok := firstString(seg, quotedProvenanceKeys); ok {
		rec.Provenance = string(v)
	}
	return rec, true
}

func firstString(seg []byte, keys [][]byte) ([]byte, bool) {
	for _, k := range keys {
		if v, ok := scanner.ScanStringField(seg, k); ok {
			return v, true
		}
	}
	return nil, false
}

func firstFloat(seg []byte, keys [][]byte) (float64, bool) {
	for _, k := range keys {
		if v, ok := scanner.ScanFloatField(seg, k); ok {
			return v, true
		}
	}
	return 0, false
}

func firstToken(seg []byte, keys [][]byte) ([]byte, bool) {
	for _, k := range keys {
		if v, ok := scanner.ScanTokenField(seg, k); ok {
			return v, true
		}
	}
	return nil, false
}
