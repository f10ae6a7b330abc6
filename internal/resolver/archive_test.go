package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

func TestToRow(t *testing.T) {
	sig := resolvedSignal("a", "EURUSD", model.OutcomeTargetHit, 51)
	sig.ResolvedPrice = 1.0901
	sig.Horizons = map[string]model.HorizonSnapshot{"30m": {Classification: model.OutcomePending, RealizedMove: 12.5, Price: 1.08625}}
	now := t0.Add(time.Hour)

	row, err := toRow(sig, now)
	require.NoError(t, err)
	assert.Equal(t, "signal_outcomes", row.TableName())
	assert.Equal(t, "a", row.SignalID)
	assert.Equal(t, "long", row.Direction)
	assert.Equal(t, "RESOLVED", row.Status)
	assert.Equal(t, "TARGET_HIT", row.Outcome)
	assert.InDelta(t, 51.0, row.RealizedMove, 1e-9)
	assert.Equal(t, now, row.ArchivedAt)
	assert.Contains(t, row.Horizons, `"30m"`)
	assert.Contains(t, row.Horizons, `"PENDING"`)

	empty, err := toRow(eurusdLong("b"), now)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty.Horizons)
	assert.Equal(t, 0.0, empty.RealizedMove)
}

func TestNewArchiveRequiresDB(t *testing.T) {
	_, err := NewArchive(nil, 0)
	assert.ErrorIs(t, err, exception.ErrNilInstance)
}
