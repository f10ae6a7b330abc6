package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/model"
	"tickrelay/pkg/exception"
)

func resolvedSignal(id, inst string, outcome model.Outcome, mv float64) model.Signal {
	sig := eurusdLong(id)
	sig.Instrument = inst
	at := t0
	sig.Status = model.StatusResolved
	if outcome == model.OutcomeTimeout {
		sig.Status = model.StatusExpired
	}
	sig.Outcome = outcome
	sig.ResolvedAt = &at
	sig.RealizedMove = &mv
	return sig
}

func statsFixture() []model.Signal {
	a := resolvedSignal("a", "EURUSD", model.OutcomeTargetHit, 50)
	a.Horizons = map[string]model.HorizonSnapshot{"30m": {Classification: model.OutcomeTargetHit, RealizedMove: 50, Price: 1.09}}
	b := resolvedSignal("b", "EURUSD", model.OutcomeTargetHit, 60)
	b.Horizons = map[string]model.HorizonSnapshot{"30m": {Classification: model.OutcomePending, RealizedMove: 10, Price: 1.086}}
	c := eurusdLong("c")
	c.Horizons = map[string]model.HorizonSnapshot{"30m": {Classification: model.OutcomePending}}
	d := resolvedSignal("d", "EURUSD", model.OutcomeStopHit, -20)
	j := resolvedSignal("j", "USDJPY", model.OutcomeStopHit, -56)
	return []model.Signal{a, b, c, d, j}
}

func TestSummariseFinal(t *testing.T) {
	st := Summarise(statsFixture(), FinalHorizon)
	assert.Equal(t, 5, st.Overall.Total)
	assert.Equal(t, 2, st.Overall.TargetHit)
	assert.Equal(t, 2, st.Overall.StopHit)
	assert.Equal(t, 1, st.Overall.Pending)
	assert.InDelta(t, 0.5, st.Overall.WinRate, 1e-9)
	assert.InDelta(t, 8.5, st.Overall.AvgMove, 1e-9)
	assert.Equal(t, []string{"EURUSD", "USDJPY"}, st.Instruments)
	assert.InDelta(t, 0.6667, st.ByInstrument["EURUSD"].WinRate, 1e-9)
	assert.Equal(t, 1, st.ByInstrument["USDJPY"].StopHit)
}

func TestSummariseHorizon(t *testing.T) {
	st := Summarise(statsFixture(), "30m")
	assert.Equal(t, 3, st.Overall.Total)
	assert.Equal(t, 1, st.Overall.TargetHit)
	assert.Equal(t, 2, st.Overall.Pending)
	assert.InDelta(t, 1.0, st.Overall.WinRate, 1e-9)
	// c has no price yet and is left out of the average
	assert.InDelta(t, 30.0, st.Overall.AvgMove, 1e-9)
	assert.Equal(t, []string{"EURUSD"}, st.Instruments)
}

func TestResolverStatsHorizons(t *testing.T) {
	r, _ := newTestResolver(t, &memLog{signals: statsFixture()})

	final, err := r.Stats("")
	require.NoError(t, err)
	assert.Equal(t, FinalHorizon, final.Horizon)
	assert.Equal(t, 5, final.Overall.Total)

	h30, err := r.Stats("30m")
	require.NoError(t, err)
	assert.Equal(t, 3, h30.Overall.Total)

	_, err = r.Stats("45m")
	assert.ErrorIs(t, err, exception.ErrUnknownHorizon)
	assert.Equal(t, []string{"30m", "60m", "240m"}, r.Horizons())
}

func TestSummariseEmpty(t *testing.T) {
	st := Summarise(nil, FinalHorizon)
	assert.Equal(t, 0, st.Overall.Total)
	assert.Equal(t, 0.0, st.Overall.WinRate)
	assert.Empty(t, st.Instruments)
}
