package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/internal/bus"
	"tickrelay/internal/model"
	"tickrelay/internal/reading"
	"tickrelay/pkg/exception"
	"tickrelay/pkg/netx"
)

const approved = "relay-v1"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func record(symbol, client, provenance string, bid float64) string {
	if provenance == "" {
		return fmt.Sprintf(`{"symbol":%q,"bid":%v,"ask":%v,"volume":2,"client":%q,"broker":"alpha"}`, symbol, bid, bid+0.0002, client)
	}
	return fmt.Sprintf(`{"symbol":%q,"bid":%v,"ask":%v,"volume":2,"client":%q,"broker":"alpha","provenance":%q}`, symbol, bid, bid+0.0002, client, provenance)
}

func newTestCollector(t *testing.T, opts ...CollectorOption) (*Collector, *bus.Subscription, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)}
	hub := bus.NewHub()
	sub, err := hub.Subscribe("test", 64)
	require.NoError(t, err)
	opts = append([]CollectorOption{WithClock(clk.Now)}, opts...)
	c, err := NewCollector(Config{ApprovedProvenance: approved}, reading.DefaultConfig(), hub, opts...)
	require.NoError(t, err)
	return c, sub, clk
}

func drain(sub *bus.Subscription) []model.Reading {
	var out []model.Reading
	sub.Drain(func(r model.Reading) { out = append(out, r) })
	return out
}

func TestNewCollectorRequiresProvenance(t *testing.T) {
	_, err := NewCollector(Config{}, reading.DefaultConfig(), bus.NewHub())
	require.Error(t, err)
	_, err = NewCollector(Config{ApprovedProvenance: approved}, reading.DefaultConfig(), nil)
	require.ErrorIs(t, err, exception.ErrNilInstance)
}

func TestAdmitPublishesApprovedReadings(t *testing.T) {
	c, sub, clk := newTestCollector(t)

	res := c.Admit("10.0.0.1:5000", []byte(record("EURUSD", "c1", approved, 1.1)+record("USDJPY", "c1", approved, 150.1)))
	assert.Equal(t, 2, res.Accepted)
	assert.Empty(t, res.Rejected)

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].SourceID)
	assert.Equal(t, "alpha", got[0].OriginLabel)
	assert.Equal(t, clk.Now(), got[0].ReceivedAt)

	rec, ok := c.Clients().Get("c1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:5000", rec.NetworkAddress)
	assert.Equal(t, uint64(2), rec.Readings)
	assert.Equal(t, clk.Now(), rec.LastSeen)
}

func TestAdmitRejectsForeignProvenance(t *testing.T) {
	for _, tc := range []struct {
		name       string
		provenance string
		want       error
	}{
		{name: "mismatch", provenance: "relay-v2", want: exception.ErrProvenanceMismatch},
		{name: "missing", provenance: "", want: exception.ErrProvenanceMissing},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, sub, _ := newTestCollector(t)
			res := c.Admit("10.0.0.2:6000", []byte(record("EURUSD", "c2", tc.provenance, 1.1)))

			assert.Equal(t, 0, res.Accepted)
			require.Len(t, res.Rejected, 1)
			if !errors.Is(res.Rejected[0].Err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, res.Rejected[0].Err)
			}
			assert.Equal(t, "c2", res.Rejected[0].SourceID)
			assert.Equal(t, 0, sub.Len())
			assert.Equal(t, 0, c.Clients().Len())

			_, rejected, _ := c.Totals()
			assert.Equal(t, uint64(1), rejected)
		})
	}
}

func TestAdmitMixedProvenanceKeepsOnlyApproved(t *testing.T) {
	c, sub, _ := newTestCollector(t)
	payload := record("EURUSD", "c1", approved, 1.1) + record("EURUSD", "c1", "spoofed", 1.2) + record("GBPUSD", "c1", approved, 1.3)

	res := c.Admit("10.0.0.3:7000", []byte(payload))
	assert.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 1)

	got := drain(sub)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.NotEqual(t, 1.2, r.Bid)
	}
}

func TestGateUpdateTakesEffect(t *testing.T) {
	c, sub, _ := newTestCollector(t)
	c.Gate().Set("relay-v2")

	res := c.Admit("a", []byte(record("EURUSD", "c1", approved, 1.1)))
	assert.Len(t, res.Rejected, 1)
	res = c.Admit("a", []byte(record("EURUSD", "c1", "relay-v2", 1.1)))
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, sub.Len())
}

func TestAdmitFragmentedAcrossChunks(t *testing.T) {
	c, sub, _ := newTestCollector(t)
	payload := record("EURUSD", "c1", approved, 1.1) + record("USDJPY", "c1", approved, 150.1)
	for i := 0; i < len(payload); i += 7 {
		end := min(i+7, len(payload))
		c.Admit("frag", []byte(payload[i:end]))
	}
	assert.Len(t, drain(sub), 2)
}

func TestFlushSalvagesTruncatedTail(t *testing.T) {
	c, sub, _ := newTestCollector(t)
	full := record("EURUSD", "c1", approved, 1.1)
	c.Admit("tail", []byte(full[:len(full)-1]))
	assert.Equal(t, 0, sub.Len())

	res := c.Flush("tail")
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, sub.Len())
}

func TestSweepAgesOutClients(t *testing.T) {
	c, _, clk := newTestCollector(t)
	c.Admit("a", []byte(record("EURUSD", "c1", approved, 1.1)))
	clk.Advance(4 * time.Minute)
	c.Admit("b", []byte(record("EURUSD", "c2", approved, 1.1)))
	clk.Advance(2 * time.Minute)

	c.Sweep()
	list := c.Clients().List()
	require.Len(t, list, 1)
	assert.Equal(t, "c2", list[0].SourceID)
}

func TestStatusReportsTotals(t *testing.T) {
	c, _, clk := newTestCollector(t)
	c.Admit("a", []byte(record("EURUSD", "c1", approved, 1.1)+record("EURUSD", "c1", "bad", 1.1)))
	clk.Advance(time.Minute)

	st := c.Status(nil)
	assert.Equal(t, time.Minute, st.Uptime)
	assert.Equal(t, 1, st.KnownClients)
	assert.Equal(t, uint64(1), st.Accepted)
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, uint64(1), st.Published)
	require.Len(t, st.Subscribers, 1)
	assert.Equal(t, "test", st.Subscribers[0].Name)
}

func TestServeOverUnixSocket(t *testing.T) {
	c, sub, _ := newTestCollector(t)
	path := filepath.Join(t.TempDir(), "collector.sock")
	server, err := netx.NewServer(netx.NetworkUnix, path)
	require.NoError(t, err)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, server) }()

	client, err := netx.NewClient(netx.NetworkUnix, path)
	require.NoError(t, err)
	conn, err := client.Dial(t.Context())
	require.NoError(t, err)

	payload := record("EURUSD", "c1", approved, 1.1) + "\n" + record("XAUUSD", "c1", approved, 2300.5)
	require.NoError(t, netx.WriteFull(conn, []byte(payload[:20])))
	require.NoError(t, netx.WriteFull(conn, []byte(payload[20:])))

	require.Eventually(t, func() bool { return sub.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return")
	}
	assert.Equal(t, 0, c.Connections())
}
