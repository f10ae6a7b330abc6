// Package chaos damages a stream of reading records the way unreliable
// terminals and networks do: dropped, duplicated, reordered, corrupted and
// split at arbitrary byte offsets.
package chaos

import (
	"bytes"
	"fmt"
	"math/rand"
	"time"
)

// Config controls chaos injection behavior. Rates are probabilities in [0,1].
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	CorruptRate   float64
	// ReorderWindow buffers this many records and releases them in random order.
	ReorderWindow int
	// MaxSplits bounds how many extra cuts Chunk makes in one write.
	MaxSplits int
}

// Engine applies chaos rules to records. It is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending [][]byte
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	for name, rate := range map[string]float64{"DropRate": c.DropRate, "DuplicateRate": c.DuplicateRate, "CorruptRate": c.CorruptRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("invalid chaos config: %s must be between 0 and 1", name)
		}
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("invalid chaos config: ReorderWindow must be >= 1")
	}
	if c.MaxSplits < 0 {
		return fmt.Errorf("invalid chaos config: MaxSplits must be >= 0")
	}
	return nil
}

// Process applies chaos to a single record and returns the records to send.
func (e *Engine) Process(rec []byte) [][]byte {
	if e == nil {
		return [][]byte{rec}
	}
	if e.roll(e.cfg.DropRate) {
		return nil
	}
	if e.roll(e.cfg.CorruptRate) {
		rec = e.corrupt(rec)
	}
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(rec)
	}
	e.pending = append(e.pending, rec)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.applyDuplicate(e.take())
}

// Flush returns any buffered records after processing completes.
func (e *Engine) Flush() [][]byte {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.applyDuplicate(e.take())...)
	}
	return out
}

// Chunk cuts buf into up to MaxSplits+1 consecutive pieces at random offsets.
// Concatenating the pieces yields buf.
func (e *Engine) Chunk(buf []byte) [][]byte {
	if e == nil || e.cfg.MaxSplits == 0 || len(buf) < 2 {
		return [][]byte{buf}
	}
	cuts := e.rng.Intn(e.cfg.MaxSplits + 1)
	out := make([][]byte, 0, cuts+1)
	for i := 0; i < cuts && len(buf) > 1; i++ {
		at := 1 + e.rng.Intn(len(buf)-1)
		out = append(out, buf[:at])
		buf = buf[at:]
	}
	return append(out, buf)
}

func (e *Engine) roll(rate float64) bool {
	return rate > 0 && e.rng.Float64() < rate
}

func (e *Engine) take() []byte {
	idx := e.rng.Intn(len(e.pending))
	rec := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return rec
}

func (e *Engine) applyDuplicate(rec []byte) [][]byte {
	out := [][]byte{rec}
	if e.roll(e.cfg.DuplicateRate) {
		out = append(out, rec)
	}
	return out
}

// corrupt returns a damaged copy of rec.
func (e *Engine) corrupt(rec []byte) []byte {
	if len(rec) < 4 {
		return rec
	}
	switch e.rng.Intn(4) {
	case 0:
		// truncated mid-record
		return append([]byte(nil), rec[:len(rec)/2]...)
	case 1:
		return bytes.ReplaceAll(rec, []byte(`"`), []byte(`'`))
	case 2:
		// trailing comma before the closing brace
		out := append([]byte(nil), rec[:len(rec)-1]...)
		return append(out, ',', '}')
	default:
		// stray control byte inside the record
		at := 1 + e.rng.Intn(len(rec)-2)
		out := make([]byte, 0, len(rec)+1)
		out = append(out, rec[:at]...)
		out = append(out, 0x07)
		return append(out, rec[at:]...)
	}
}
