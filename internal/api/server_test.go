package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/aggregator"
	"tickrelay/internal/broker"
	"tickrelay/internal/model"
	"tickrelay/internal/resolver"
	"tickrelay/pkg/exception"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeOutcomes struct {
	signals map[string]model.Signal
}

func (f fakeOutcomes) Stats(horizon string) (resolver.Stats, error) {
	if horizon != resolver.FinalHorizon && horizon != "30m" {
		return resolver.Stats{}, exception.ErrUnknownHorizon
	}
	sigs := make([]model.Signal, 0, len(f.signals))
	for _, s := range f.signals {
		sigs = append(sigs, s)
	}
	return resolver.Summarise(sigs, horizon), nil
}

func (fakeOutcomes) Horizons() []string { return []string{"30m"} }

func (f fakeOutcomes) Get(id string) (model.Signal, error) {
	s, ok := f.signals[id]
	if !ok {
		return model.Signal{}, exception.ErrSignalNotFound
	}
	return s, nil
}

type fakeCommands struct {
	mu   sync.Mutex
	sent []broker.Command
}

func (f *fakeCommands) Broadcast(cmd broker.Command) (int, error) {
	if cmd.Name == "" {
		return 0, exception.ErrEmptyCommand
	}
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	return 2, nil
}

type fixture struct {
	clock    *fakeClock
	agg      *aggregator.Aggregator
	commands *fakeCommands
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)}
	agg, err := aggregator.New(aggregator.Config{}, aggregator.WithClock(clock.Now))
	require.NoError(t, err)

	resolvedAt := clock.now
	move := 51.0
	outcomes := fakeOutcomes{signals: map[string]model.Signal{
		"sig-1": {
			ID: "sig-1", Instrument: "EURUSD", Direction: model.DirectionLong,
			EntryPrice: 1.1, StopPrice: 1.098, TargetPrice: 1.105,
			Status: model.StatusResolved, Outcome: model.OutcomeTargetHit,
			ResolvedAt: &resolvedAt, RealizedMove: &move,
		},
	}}
	commands := &fakeCommands{}
	srv := New(Deps{
		Market:   agg,
		Outcomes: outcomes,
		Commands: commands,
		Status:   func() any { return map[string]int{"accepted": 7} },
		Clock:    clock.Now,
	})
	return &fixture{clock: clock, agg: agg, commands: commands, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (f *fixture) seed() {
	f.agg.Ingest(model.Reading{Instrument: "EURUSD", Bid: 1.1000, Ask: 1.1001, Volume: 10, OriginLabel: "alpha"})
	f.agg.Ingest(model.Reading{Instrument: "EURUSD", Bid: 1.1002, Ask: 1.1005, Volume: 20, OriginLabel: "beta"})
}

func TestInstrumentQueries(t *testing.T) {
	f := newFixture(t)
	f.seed()

	rec, body := f.do(t, http.MethodGet, "/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := body["instruments"].([]any)
	require.True(t, ok, rec.Body.String())
	assert.Len(t, list, 1)
	assert.Contains(t, body, "computed_at")

	rec, body = f.do(t, http.MethodGet, "/instruments/eurusd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EURUSD", body["instrument"])
	assert.Contains(t, body, "computed_at")

	rec, body = f.do(t, http.MethodGet, "/instruments/EURUSD/orderflow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "order_flow")
	assert.Contains(t, body, "computed_at")

	rec, body = f.do(t, http.MethodGet, "/instruments/EURUSD/liquidity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "liquidity")

	rec, body = f.do(t, http.MethodGet, "/instruments/EURUSD/spreads", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, body["differential_pips"])

	rec, body = f.do(t, http.MethodGet, "/instruments/EURUSD/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["active"])
}

func TestUnavailableInstruments(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/instruments/GBPUSD", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unavailable", body["status"])

	rec, _ = f.do(t, http.MethodGet, "/instruments/GBPUSD/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.seed()
	f.clock.Advance(time.Minute)

	rec, body = f.do(t, http.MethodGet, "/instruments/EURUSD/orderflow", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, "EURUSD", body["instrument"])

	rec, body = f.do(t, http.MethodGet, "/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["instruments"])

	f.agg.Ingest(model.Reading{Instrument: "USDJPY", Bid: 150.10, Ask: 150.12, Volume: 1, OriginLabel: "alpha"})
	rec, body = f.do(t, http.MethodGet, "/instruments/USDJPY/spreads", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestSignalRoutes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/signals/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, resolver.FinalHorizon, stats["horizon"])
	overall := stats["overall"].(map[string]any)
	assert.Equal(t, 1.0, overall["target_hit"])
	assert.Equal(t, 1.0, overall["win_rate"])

	rec, body = f.do(t, http.MethodGet, "/signals/stats?horizon=7m", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []any{"30m"}, body["horizons"])

	rec, body = f.do(t, http.MethodGet, "/signals/sig-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TARGET_HIT", body["outcome"])

	rec, _ = f.do(t, http.MethodGet, "/signals/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroadcastCommand(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/commands", []byte(`{"name":"resync","args":{"symbol":"EURUSD"}}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, body["delivered"])
	require.Len(t, f.commands.sent, 1)
	assert.Equal(t, "resync", f.commands.sent[0].Name)
	assert.Equal(t, f.commands.sent[0].ID, body["id"])

	rec, _ = f.do(t, http.MethodPost, "/commands", []byte(`{"args":{}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/commands", []byte(`{"name":"   "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthStatusAndRequestID(t *testing.T) {
	f := newFixture(t)
	f.seed()

	rec, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["active_instruments"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeaderKey))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(RequestIDHeaderKey, "req-42")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeaderKey))
	assert.JSONEq(t, `{"accepted":7}`, w.Body.String())

	bare := New(Deps{Market: f.agg}).Handler()
	w = httptest.NewRecorder()
	bare.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = httptest.NewRecorder()
	bare.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
