package reading

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickrelay/internal/model"
	"tickrelay/pkg/scanner"
)

const (
	defaultMaxCarry          = 64 * 1024
	defaultIdleTimeout       = 30 * time.Second
	defaultMaxRepairAttempts = 3
	defaultSpreadTolerance   = 0.0005
)

// Config controls parser limits and validation.
type Config struct {
	// AllowList restricts accepted instruments; empty admits all.
	AllowList []string `yaml:"allow_list"`
	// SpreadTolerance is the relative amount bid may exceed ask by.
	SpreadTolerance float64 `yaml:"spread_tolerance"`
	// MaxCarry bounds the per-client carry-over buffer in bytes.
	MaxCarry int `yaml:"max_carry"`
	// IdleTimeout clears a carry-over buffer that received nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxRepairAttempts clears the carry-over after this many consecutive unrecoverable frames.
	MaxRepairAttempts int `yaml:"max_repair_attempts"`
}

// DefaultConfig returns the baseline parser configuration.
func DefaultConfig() Config {
	return Config{
		SpreadTolerance:   defaultSpreadTolerance,
		MaxCarry:          defaultMaxCarry,
		IdleTimeout:       defaultIdleTimeout,
		MaxRepairAttempts: defaultMaxRepairAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxCarry == 0 {
		c.MaxCarry = defaultMaxCarry
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxRepairAttempts == 0 {
		c.MaxRepairAttempts = defaultMaxRepairAttempts
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.SpreadTolerance < 0 {
		return fmt.Errorf("invalid parser config: SpreadTolerance must be >= 0")
	}
	if c.MaxCarry <= 0 {
		return fmt.Errorf("invalid parser config: MaxCarry must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("invalid parser config: IdleTimeout must be > 0")
	}
	if c.MaxRepairAttempts <= 0 {
		return fmt.Errorf("invalid parser config: MaxRepairAttempts must be > 0")
	}
	return nil
}

// Admission decides whether a decoded record may enter the system at all.
// A non-nil error rejects the record before validation.
type Admission interface {
	Admit(rec Record) error
}

// AdmissionFunc adapts a function to Admission.
type AdmissionFunc func(rec Record) error

func (f AdmissionFunc) Admit(rec Record) error { return f(rec) }

// Rejection describes a record refused by the admission gate.
type Rejection struct {
	SourceID   string
	Instrument string
	Provenance string
	Err        error
}

// Batch is the outcome of feeding one chunk.
type Batch struct {
	Readings []model.Reading
	Rejected []Rejection
	Dropped  int
}

func (b *Batch) merge(o Batch) {
	b.Readings = append(b.Readings, o.Readings...)
	b.Rejected = append(b.Rejected, o.Rejected...)
	b.Dropped += o.Dropped
}

// State is the carry-over of one client between chunks.
type State struct {
	Carry        []byte
	LastActivity time.Time
	Failures     int
}

type Option func(*Parser)

// WithRecovery swaps the recovery strategy.
func WithRecovery(r Recovery) Option {
	return func(p *Parser) {
		if r != nil {
			p.recovery = r
		}
	}
}

// WithAdmission installs the gate applied to every decoded record.
func WithAdmission(a Admission) Option {
	return func(p *Parser) { p.admission = a }
}

// WithObserver mirrors counters to an external sink.
func WithObserver(o Observer) Option {
	return func(p *Parser) { p.stats.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// Parser decodes client byte streams into readings. Carry-over buffers are
// kept per client key, each behind its own lock.
type Parser struct {
	cfg       Config
	valid     atomic.Pointer[validator]
	recovery  Recovery
	admission Admission
	now       func() time.Time
	stats     counters

	clients sync.Map // string -> *clientBuffer
}

type clientBuffer struct {
	mu      sync.Mutex
	state   State
	removed bool
}

// New creates a parser.
func New(cfg Config, opts ...Option) (*Parser, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Parser{
		cfg:      cfg,
		recovery: DefaultRecovery{},
		now:      time.Now,
	}
	v := newValidator(cfg.AllowList, cfg.SpreadTolerance)
	p.valid.Store(&v)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetAllowList replaces the allow-list at runtime.
func (p *Parser) SetAllowList(list []string) {
	v := newValidator(list, p.cfg.SpreadTolerance)
	p.valid.Store(&v)
}

// Parse feeds chunk into the carry-over buffer of key.
func (p *Parser) Parse(key string, chunk []byte) Batch {
	now := p.now()
	for {
		buf := p.buffer(key)
		buf.mu.Lock()
		if buf.removed {
			buf.mu.Unlock()
			continue
		}
		batch, next := p.Decode(buf.state, key, chunk, now)
		buf.state = next
		buf.mu.Unlock()
		return batch
	}
}

// Flush salvages whatever is left in key's buffer and forgets the client.
func (p *Parser) Flush(key string) Batch {
	v, ok := p.clients.Load(key)
	if !ok {
		return Batch{}
	}
	buf := v.(*clientBuffer)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.removed {
		return Batch{}
	}
	buf.removed = true
	p.clients.Delete(key)
	var batch Batch
	if len(buf.state.Carry) > 0 {
		p.salvage(&batch, key, buf.state.Carry, p.now())
	}
	return batch
}

// Sweep expires idle buffers, salvaging their carry-over.
func (p *Parser) Sweep() Batch {
	now := p.now()
	var batch Batch
	p.clients.Range(func(k, v any) bool {
		buf := v.(*clientBuffer)
		buf.mu.Lock()
		if !buf.removed && now.Sub(buf.state.LastActivity) > p.cfg.IdleTimeout {
			buf.removed = true
			p.clients.Delete(k)
			if len(buf.state.Carry) > 0 {
				p.stats.drop(DropCarryExpired)
				p.salvage(&batch, k.(string), buf.state.Carry, now)
			}
		}
		buf.mu.Unlock()
		return true
	})
	return batch
}

// Clients returns the number of live carry-over buffers.
func (p *Parser) Clients() int {
	n := 0
	p.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns a copy of the counters.
func (p *Parser) Stats() Stats {
	return p.stats.snapshot()
}

func (p *Parser) buffer(key string) *clientBuffer {
	if v, ok := p.clients.Load(key); ok {
		return v.(*clientBuffer)
	}
	v, _ := p.clients.LoadOrStore(key, &clientBuffer{})
	return v.(*clientBuffer)
}

// Decode is the pure form of Parse: it consumes chunk on top of state and
// returns the readings found plus the state to use for the next chunk.
func (p *Parser) Decode(state State, key string, chunk []byte, now time.Time) (Batch, State) {
	var batch Batch
	if len(state.Carry) > 0 && !state.LastActivity.IsZero() && now.Sub(state.LastActivity) > p.cfg.IdleTimeout {
		p.stats.drop(DropCarryExpired)
		p.salvage(&batch, key, state.Carry, now)
		state.Carry = nil
		state.Failures = 0
	}
	state.LastActivity = now
	if len(chunk) == 0 {
		return batch, state
	}

	buf := make([]byte, 0, len(state.Carry)+len(chunk))
	buf = append(buf, state.Carry...)
	buf = append(buf, chunk...)

	frames, consumed := splitFrames(buf)
	for _, f := range frames {
		recs, tier := p.recover(f)
		if len(recs) == 0 {
			if f.kind != frameFragment {
				state.Failures++
				batch.Dropped++
				p.stats.drop(DropUnrecoverable)
			}
			continue
		}
		state.Failures = 0
		p.stats.tier(tier)
		for _, rec := range recs {
			p.admit(&batch, rec, key, now)
		}
	}

	rest := buf[consumed:]
	if state.Failures >= p.cfg.MaxRepairAttempts {
		p.stats.drop(DropResync)
		state.Failures = 0
		rest = nil
	}
	if len(rest) > p.cfg.MaxCarry {
		p.stats.drop(DropCarryOverflow)
		keep := scanner.LastIndexByte(rest, '{')
		if keep > 0 {
			p.salvage(&batch, key, rest[:keep], now)
			rest = rest[keep:]
		}
		if len(rest) > p.cfg.MaxCarry {
			p.salvage(&batch, key, rest, now)
			rest = nil
		}
	}
	state.Carry = append([]byte(nil), rest...)
	return batch, state
}

func (p *Parser) recover(f frame) ([]Record, Tier) {
	if f.kind == frameComplete {
		if recs, ok := p.recovery.TryStrict(f.data); ok {
			return recs, TierStrict
		}
	}
	if f.kind != frameFragment {
		if fixed, ok := p.recovery.TryRepair(f.data); ok {
			if recs, ok := p.recovery.TryStrict(fixed); ok && hasInstrument(recs) {
				return recs, TierRepair
			}
		}
	}
	if recs := p.recovery.TryExtractFields(f.data); len(recs) > 0 {
		return recs, TierExtract
	}
	return nil, TierNone
}

// salvage treats data as a truncated record and keeps what can be recovered.
func (p *Parser) salvage(batch *Batch, key string, data []byte, now time.Time) {
	start := 0
	for start < len(data) && data[start] != '{' {
		start++
	}
	kind := frameTruncated
	if start >= len(data) {
		start, kind = 0, frameFragment
	}
	recs, tier := p.recover(frame{data: data[start:], kind: kind})
	if len(recs) == 0 {
		return
	}
	p.stats.tier(tier)
	for _, rec := range recs {
		p.admit(batch, rec, key, now)
	}
}

func (p *Parser) admit(batch *Batch, rec Record, key string, now time.Time) {
	if p.admission != nil {
		if err := p.admission.Admit(rec); err != nil {
			source := rec.SourceID
			if source == "" {
				source = key
			}
			batch.Rejected = append(batch.Rejected, Rejection{
				SourceID:   source,
				Instrument: rec.Instrument,
				Provenance: rec.Provenance,
				Err:        err,
			})
			atomic.AddUint64(&p.stats.rejected, 1)
			return
		}
	}
	r, reason := p.valid.Load().check(rec, key, now)
	if reason != DropNone {
		batch.Dropped++
		p.stats.drop(reason)
		return
	}
	batch.Readings = append(batch.Readings, r)
	atomic.AddUint64(&p.stats.accepted, 1)
}

func hasInstrument(recs []Record) bool {
	for _, r := range recs {
		if r.Instrument != "" {
			return true
		}
	}
	return false
}
