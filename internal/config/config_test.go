package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7001", cfg.Collector.Address)
	assert.Equal(t, "LIVE-MT5", cfg.Collector.ApprovedProvenance)
	assert.Equal(t, 2*time.Second, cfg.Collector.GracePeriod)
	assert.Equal(t, 32<<10, cfg.Collector.ReadBufferSize, "unset keys keep their default")
	assert.Equal(t, 32, cfg.Command.QueueSize)
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "USDJPY"}, cfg.Parser.AllowList)
	assert.Equal(t, 200, cfg.Aggregator.Capacity)
	assert.Equal(t, 45*time.Second, cfg.Aggregator.StaleAfter)
	assert.Equal(t, []time.Duration{15 * time.Minute, time.Hour}, cfg.Resolver.Horizons)
	assert.Equal(t, 0.1, cfg.Resolver.PipSizes["XAUUSD"])

	assert.Equal(t, 10*time.Second, cfg.Supervisor.CheckInterval)
	assert.Equal(t, 8, cfg.Supervisor.Ceiling)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.Cooldown)
	require.Contains(t, cfg.Supervisor.Workers, "relay")
	relay := cfg.Supervisor.Workers["relay"]
	assert.Equal(t, "./bin/relay", relay.Command)
	assert.Equal(t, 30*time.Second, relay.HeartbeatMaxAge)

	assert.True(t, cfg.Archive.Enabled)
	assert.True(t, cfg.Archive.Postgres.Enabled())
	assert.True(t, cfg.Etcd.Enabled())
	assert.Equal(t, "/tickrelay/", cfg.Etcd.Prefix)

	require.NoError(t, cfg.ValidateRelay())
	require.NoError(t, cfg.ValidateSupervisor())
}

func TestLoadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	cfg := Default()
	require.NoError(t, Save(path, cfg))
	_, err := Load(path)
	require.NoError(t, err)

	_, err = Load("testdata/missing.yaml")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "unknown.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("collector:\n  adress: typo\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load("testdata/config.yaml")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Resolver.Horizons, back.Resolver.Horizons)
	assert.Equal(t, cfg.Supervisor.Workers, back.Supervisor.Workers)
	assert.Equal(t, cfg.Collector, back.Collector)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateRelay(), "provenance and address are required")
	cfg.Collector.ApprovedProvenance = "LIVE"
	cfg.Collector.Address = ":7001"
	require.NoError(t, cfg.ValidateRelay())

	cfg.Archive.Enabled = true
	assert.Error(t, cfg.ValidateRelay())

	assert.Error(t, cfg.ValidateSupervisor(), "no workers")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvProvenance, " LIVE-2 ")
	t.Setenv(EnvArchiveDSN, "postgres://relay@db/tickrelay")
	t.Setenv(EnvEtcdEndpoints, "http://a:2379, http://b:2379,")
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, "LIVE-2", cfg.Collector.ApprovedProvenance)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "postgres://relay@db/tickrelay", cfg.Archive.Postgres.ConnString)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Etcd.Endpoints)
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (m *memKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	resp := &clientv3.GetResponse{}
	if v, ok := m.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
	}
	return resp, nil
}

func (m *memKV) set(key, value string) {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
}

func TestOverlayFetch(t *testing.T) {
	kv := &memKV{data: map[string]string{}}
	o := NewOverlay(kv, time.Second)

	d, err := o.Fetch(t.Context())
	require.NoError(t, err)
	assert.Nil(t, d.AllowList)
	assert.Empty(t, d.Provenance)

	kv.set(KeyAllowList, "EURUSD, USDJPY")
	kv.set(KeyProvenance, "LIVE-ETCD")
	d, err = o.Fetch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD", "USDJPY"}, d.AllowList)

	cfg := Default()
	cfg.Collector.ApprovedProvenance = "LIVE-FILE"
	cfg.Apply(d)
	assert.Equal(t, "LIVE-ETCD", cfg.Collector.ApprovedProvenance)
	assert.Equal(t, []string{"EURUSD", "USDJPY"}, cfg.Parser.AllowList)

	kv.set(KeyAllowList, "")
	d, err = o.Fetch(t.Context())
	require.NoError(t, err)
	assert.NotNil(t, d.AllowList)
	assert.Empty(t, d.AllowList)

	kv.err = context.DeadlineExceeded
	_, err = o.Fetch(t.Context())
	assert.Error(t, err)
}

func TestOverlayPoll(t *testing.T) {
	kv := &memKV{data: map[string]string{KeyProvenance: "A"}}
	o := NewOverlay(kv, time.Second)
	first, err := o.Fetch(t.Context())
	require.NoError(t, err)

	changes := make(chan Dynamic, 4)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		o.Poll(ctx, 5*time.Millisecond, first, func(d Dynamic) { changes <- d })
		close(done)
	}()

	kv.set(KeyProvenance, "B")
	select {
	case d := <-changes:
		assert.Equal(t, "B", d.Provenance)
	case <-time.After(time.Second):
		t.Fatalf("no change delivered")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, changes, "unchanged values are not re-applied")

	cancel()
	<-done
	assert.NoError(t, o.Close())
}
