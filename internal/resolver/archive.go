package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

const defaultArchiveQueue = 1024

// OutcomeRow is the archived form of a terminal signal.
type OutcomeRow struct {
	SignalID      string     `gorm:"column:signal_id;primaryKey"`
	Instrument    string     `gorm:"column:instrument;index"`
	Direction     string     `gorm:"column:direction"`
	EntryPrice    float64    `gorm:"column:entry_price"`
	StopPrice     float64    `gorm:"column:stop_price"`
	TargetPrice   float64    `gorm:"column:target_price"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	Status        string     `gorm:"column:status"`
	Outcome       string     `gorm:"column:outcome;index"`
	ResolvedAt    *time.Time `gorm:"column:resolved_at"`
	ResolvedPrice float64    `gorm:"column:resolved_price"`
	RealizedMove  float64    `gorm:"column:realized_move"`
	Horizons      string     `gorm:"column:horizons;type:jsonb"`
	ArchivedAt    time.Time  `gorm:"column:archived_at"`
}

// TableName implements gorm's tabler.
func (OutcomeRow) TableName() string { return "signal_outcomes" }

func toRow(sig model.Signal, now time.Time) (OutcomeRow, error) {
	horizons := "{}"
	if len(sig.Horizons) > 0 {
		b, err := sonic.ConfigStd.Marshal(sig.Horizons)
		if err != nil {
			return OutcomeRow{}, err
		}
		horizons = string(b)
	}
	row := OutcomeRow{
		SignalID:      sig.ID,
		Instrument:    sig.Instrument,
		Direction:     string(sig.Direction),
		EntryPrice:    sig.EntryPrice,
		StopPrice:     sig.StopPrice,
		TargetPrice:   sig.TargetPrice,
		CreatedAt:     sig.CreatedAt,
		Status:        string(sig.Status),
		Outcome:       string(sig.Outcome),
		ResolvedAt:    sig.ResolvedAt,
		ResolvedPrice: sig.ResolvedPrice,
		Horizons:      horizons,
		ArchivedAt:    now,
	}
	if sig.RealizedMove != nil {
		row.RealizedMove = *sig.RealizedMove
	}
	return row, nil
}

// Archive upserts terminal signals into postgres from a background worker.
// Resolved never blocks; when the queue is full the signal is only in the log.
type Archive struct {
	db *gorm.DB
	ch chan model.Signal
	wg sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewArchive creates an archive over db.
func NewArchive(db *gorm.DB, queue int) (*Archive, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if queue <= 0 {
		queue = defaultArchiveQueue
	}
	return &Archive{db: db, ch: make(chan model.Signal, queue)}, nil
}

// Migrate creates or updates the outcomes table.
func (a *Archive) Migrate(ctx context.Context) error {
	if err := a.db.WithContext(ctx).AutoMigrate(&OutcomeRow{}); err != nil {
		return errors.Wrap(err, "migrate signal_outcomes")
	}
	return nil
}

// Start runs the writer until Close.
func (a *Archive) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for sig := range a.ch {
			if err := a.Upsert(ctx, sig); err != nil {
				a.failed.Add(1)
				logs.Errorf("archive signal %s, err: %+v", sig.ID, err)
			}
		}
	}()
}

// Resolved implements OutcomeSink.
func (a *Archive) Resolved(sig model.Signal) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- sig:
	default:
		a.dropped.Add(1)
	}
}

// Upsert writes one signal synchronously.
func (a *Archive) Upsert(ctx context.Context, sig model.Signal) error {
	row, err := toRow(sig, time.Now().UTC())
	if err != nil {
		return err
	}
	err = a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "signal_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "upsert signal outcome").With("signal", sig.ID)
	}
	a.written.Add(1)
	return nil
}

// Close drains the queue and stops the writer.
func (a *Archive) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Totals returns written, dropped and failed counts.
func (a *Archive) Totals() (written, dropped, failed uint64) {
	return a.written.Load(), a.dropped.Load(), a.failed.Load()
}
