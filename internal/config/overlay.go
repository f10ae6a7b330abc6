package config

import (
	"context"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
)

// Keys read from the etcd namespace.
const (
	KeyAllowList  = "allowlist"
	KeyProvenance = "provenance"
)

// KV is the subset of the etcd KV API the overlay needs.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// Dynamic is the part of the configuration that can change at runtime.
// A nil AllowList means the key is absent; an empty one admits everything.
type Dynamic struct {
	AllowList  []string
	Provenance string
}

// Overlay reads Dynamic from a namespaced etcd keyspace.
type Overlay struct {
	kv      KV
	timeout time.Duration
	close   func() error
}

// NewOverlay wraps kv, which is expected to be namespaced already.
func NewOverlay(kv KV, timeout time.Duration) *Overlay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Overlay{kv: kv, timeout: timeout}
}

// DialOverlay connects to the cluster in cfg and scopes every key under cfg.Prefix.
func DialOverlay(cfg Etcd) (*Overlay, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client")
	}
	o := NewOverlay(namespace.NewKV(cli.KV, cfg.Prefix), cfg.DialTimeout)
	o.close = cli.Close
	return o, nil
}

// Fetch reads every dynamic key. Missing keys leave their field zero.
func (o *Overlay) Fetch(ctx context.Context) (Dynamic, error) {
	var d Dynamic
	allow, ok, err := o.get(ctx, KeyAllowList)
	if err != nil {
		return d, err
	}
	if ok {
		d.AllowList = splitList(allow)
		if d.AllowList == nil {
			d.AllowList = []string{}
		}
	}
	prov, _, err := o.get(ctx, KeyProvenance)
	if err != nil {
		return d, err
	}
	d.Provenance = strings.TrimSpace(prov)
	return d, nil
}

func (o *Overlay) get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	resp, err := o.kv.Get(ctx, key)
	if err != nil {
		return "", false, errors.Wrapf(err, "get etcd key %s", key)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Apply merges d into c.
func (c *Config) Apply(d Dynamic) {
	if d.AllowList != nil {
		c.Parser.AllowList = d.AllowList
	}
	if d.Provenance != "" {
		c.Collector.ApprovedProvenance = d.Provenance
	}
}

// Poll fetches every interval and calls apply when the result changed.
// Fetch errors are logged and the previous values stay in effect.
func (o *Overlay) Poll(ctx context.Context, interval time.Duration, last Dynamic, apply func(Dynamic)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, err := o.Fetch(ctx)
			if err != nil {
				logs.Warnf("etcd overlay fetch failed, err: %+v", err)
				continue
			}
			if d.equal(last) {
				continue
			}
			logs.Infof("etcd overlay changed: provenance %q, allow-list %v", d.Provenance, d.AllowList)
			last = d
			apply(d)
		}
	}
}

// Close releases the etcd client when the overlay owns one.
func (o *Overlay) Close() error {
	if o.close == nil {
		return nil
	}
	return o.close()
}

func (d Dynamic) equal(o Dynamic) bool {
	if d.Provenance != o.Provenance || (d.AllowList == nil) != (o.AllowList == nil) || len(d.AllowList) != len(o.AllowList) {
		return false
	}
	for i := range d.AllowList {
		if d.AllowList[i] != o.AllowList[i] {
			return false
		}
	}
	return true
}
