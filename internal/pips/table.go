// Package pips converts price distances into instrument-appropriate units.
package pips

import (
	"math"
	"sort"
	"strings"
)

const defaultPipSize = 0.0001

type rule struct {
	pattern string
	size    float64
}

// Table resolves pip sizes from exact symbols, then "XAU*" prefix rules,
// then "*JPY" suffix rules, then the fallback. Longer patterns win.
type Table struct {
	exact    map[string]float64
	prefix   []rule
	suffix   []rule
	fallback float64
}

// DefaultRules covers yen crosses and the common metals and coins.
func DefaultRules() map[string]float64 {
	return map[string]float64{
		"*JPY": 0.01,
		"XAU*": 0.1,
		"XAG*": 0.01,
		"BTC*": 1,
		"ETH*": 0.1,
	}
}

// NewTable builds a table from pattern rules layered over DefaultRules.
// A fallback <= 0 uses 0.0001.
func NewTable(overrides map[string]float64, fallback float64) *Table {
	if fallback <= 0 {
		fallback = defaultPipSize
	}
	t := &Table{exact: make(map[string]float64), fallback: fallback}
	rules := DefaultRules()
	for k, v := range overrides {
		rules[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	for pattern, size := range rules {
		if size <= 0 || pattern == "" {
			continue
		}
		switch {
		case strings.HasPrefix(pattern, "*"):
			t.suffix = append(t.suffix, rule{pattern: pattern[1:], size: size})
		case strings.HasSuffix(pattern, "*"):
			t.prefix = append(t.prefix, rule{pattern: pattern[:len(pattern)-1], size: size})
		default:
			t.exact[pattern] = size
		}
	}
	byLength := func(rs []rule) {
		sort.Slice(rs, func(i, j int) bool {
			if len(rs[i].pattern) != len(rs[j].pattern) {
				return len(rs[i].pattern) > len(rs[j].pattern)
			}
			return rs[i].pattern < rs[j].pattern
		})
	}
	byLength(t.prefix)
	byLength(t.suffix)
	return t
}

// Default is NewTable(nil, 0).
func Default() *Table {
	return NewTable(nil, 0)
}

// Size returns the pip size of instrument.
func (t *Table) Size(instrument string) float64 {
	if t == nil {
		return defaultPipSize
	}
	instrument = strings.ToUpper(instrument)
	if v, ok := t.exact[instrument]; ok {
		return v
	}
	for _, r := range t.prefix {
		if strings.HasPrefix(instrument, r.pattern) {
			return r.size
		}
	}
	// broker suffixes such as "USDJPY.m" must still match "*JPY"
	base := instrument
	if i := strings.IndexAny(base, ".#"); i > 0 {
		base = base[:i]
	}
	for _, r := range t.suffix {
		if strings.HasSuffix(base, r.pattern) {
			return r.size
		}
	}
	return t.fallback
}

// ToPips converts a price delta to pips, rounded to a tenth of a pip.
func (t *Table) ToPips(instrument string, delta float64) float64 {
	return math.Round(delta/t.Size(instrument)*10) / 10
}

// FromPips converts a pip distance back to a price delta.
func (t *Table) FromPips(instrument string, pips float64) float64 {
	return pips * t.Size(instrument)
}
