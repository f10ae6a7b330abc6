package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tickrelay/internal/bus"
	"tickrelay/internal/reading"
	"tickrelay/pkg/exception"
	"tickrelay/pkg/netx"
)

// Observer receives collector events, e.g. to export them as metrics.
type Observer interface {
	ObserveAccepted(n int)
	ObserveRejected(sourceID string)
	ObserveIngestLatency(d time.Duration)
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver mirrors collector events to o.
func WithObserver(o Observer) CollectorOption {
	return func(c *Collector) { c.observer = o }
}

// WithParserObserver mirrors parser counters to o.
func WithParserObserver(o reading.Observer) CollectorOption {
	return func(c *Collector) { c.parserObserver = o }
}

// WithRejectLog replaces the rejection limiter.
func WithRejectLog(l *RejectLog) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.rejects = l
		}
	}
}

// AdmitResult is the outcome of one chunk.
type AdmitResult struct {
	Accepted int
	Dropped  int
	Rejected []reading.Rejection
}

// Collector is the many-to-one ingestion endpoint.
type Collector struct {
	cfg            Config
	parser         *reading.Parser
	gate           *ProvenanceGate
	hub            *bus.Hub
	clients        *ClientRegistry
	rejects        *RejectLog
	observer       Observer
	parserObserver reading.Observer
	now            func() time.Time
	startedAt      time.Time

	bufPool sync.Pool
	conns   atomic.Int64
	connSeq atomic.Uint64

	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// NewCollector wires a parser guarded by the provenance gate to hub.
func NewCollector(cfg Config, parserCfg reading.Config, hub *bus.Hub, opts ...CollectorOption) (*Collector, error) {
	if hub == nil {
		return nil, exception.ErrNilInstance
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Collector{
		cfg:  cfg,
		gate: NewProvenanceGate(cfg.ApprovedProvenance),
		hub:  hub,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rejects == nil {
		c.rejects = NewRejectLog(cfg.RejectLogInterval)
	}
	c.clients = NewClientRegistry(cfg.ClientTTL)

	parserOpts := []reading.Option{reading.WithAdmission(c.gate), reading.WithClock(c.now)}
	if c.parserObserver != nil {
		parserOpts = append(parserOpts, reading.WithObserver(c.parserObserver))
	}
	parser, err := reading.New(parserCfg, parserOpts...)
	if err != nil {
		return nil, err
	}
	c.parser = parser
	c.startedAt = c.now()
	size := cfg.ReadBufferSize
	c.bufPool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return c, nil
}

// Gate returns the provenance gate, e.g. to update the approved tag.
func (c *Collector) Gate() *ProvenanceGate { return c.gate }

// Parser returns the underlying parser.
func (c *Collector) Parser() *reading.Parser { return c.parser }

// Clients returns the client registry.
func (c *Collector) Clients() *ClientRegistry { return c.clients }

// Admit parses chunk received from remoteAddr and publishes the accepted
// readings. It is the transport-free entry point of the collector.
func (c *Collector) Admit(remoteAddr string, chunk []byte) AdmitResult {
	return c.deliver(remoteAddr, c.parser.Parse(remoteAddr, chunk))
}

// Flush salvages the carry-over of a closed connection.
func (c *Collector) Flush(remoteAddr string) AdmitResult {
	return c.deliver(remoteAddr, c.parser.Flush(remoteAddr))
}

func (c *Collector) deliver(remoteAddr string, batch reading.Batch) AdmitResult {
	now := c.now()
	res := AdmitResult{Dropped: batch.Dropped, Rejected: batch.Rejected}
	c.dropped.Add(uint64(batch.Dropped))

	for _, rej := range batch.Rejected {
		c.rejected.Add(1)
		c.rejects.Record(rej, now)
		if c.observer != nil {
			c.observer.ObserveRejected(rej.SourceID)
		}
	}
	if len(batch.Readings) == 0 {
		return res
	}

	perSource := make(map[string]int, 1)
	for _, r := range batch.Readings {
		perSource[r.SourceID]++
	}
	for source, n := range perSource {
		c.clients.Touch(source, remoteAddr, n, now)
	}

	if err := c.hub.PublishBatch(batch.Readings); err != nil {
		logs.Warnf("publish %d readings from %s, err: %+v", len(batch.Readings), remoteAddr, err)
		return res
	}
	res.Accepted = len(batch.Readings)
	c.accepted.Add(uint64(res.Accepted))
	if c.observer != nil {
		c.observer.ObserveAccepted(res.Accepted)
		c.observer.ObserveIngestLatency(c.now().Sub(batch.Readings[0].ReceivedAt))
	}
	return res
}

// Sweep ages out idle clients and idle parser buffers.
func (c *Collector) Sweep() {
	now := c.now()
	if removed := c.clients.Sweep(now); len(removed) > 0 {
		logs.Infof("aged out %d idle clients", len(removed))
	}
	c.deliver("", c.parser.Sweep())
	c.rejects.Prune(now)
}

// Serve accepts connections on server until ctx is done. Each connection has
// its own reader goroutine. On shutdown the listener closes first and open
// connections get GracePeriod to finish before they are closed.
func (c *Collector) Serve(ctx context.Context, server *netx.Server) error {
	if server == nil {
		return netx.ErrNilServer
	}
	logs.Infof("collector listening on %s %s, provenance: %q", server.Network(), server.Addr(), c.gate.Approved())

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	stopSweep := make(chan struct{})
	go c.sweepLoop(ctx, stopSweep)
	defer close(stopSweep)

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := server.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, netx.ErrNotListening) {
				break
			}
			logs.Warnf("collector accept, err: %+v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handleConn(connCtx, conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.GracePeriod):
		logs.Warnf("collector grace period elapsed with %d open connections", c.conns.Load())
		cancelConns()
		<-done
	}
	logs.Info("collector stopped")
	return nil
}

func (c *Collector) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Collector) handleConn(ctx context.Context, conn net.Conn) {
	if conn == nil {
		return
	}
	c.conns.Add(1)
	defer c.conns.Add(-1)

	remote := c.remoteKey(conn)
	defer conn.Close()
	defer c.Flush(remote)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	bp := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(bp)
	buf := *bp

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.Admit(remote, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logs.Warnf("collector read from %s, err: %+v", remote, err)
			}
			return
		}
	}
}

// remoteKey identifies a connection. Unix peers are unnamed and get a
// sequence number instead.
func (c *Collector) remoteKey(conn net.Conn) string {
	if conn.LocalAddr().Network() == netx.NetworkUnix {
		return fmt.Sprintf("unix-peer-%d", c.connSeq.Add(1))
	}
	return conn.RemoteAddr().String()
}

// Connections returns the number of open collector connections.
func (c *Collector) Connections() int {
	return int(c.conns.Load())
}

// Totals returns accepted, rejected and dropped record counts.
func (c *Collector) Totals() (accepted, rejected, dropped uint64) {
	return c.accepted.Load(), c.rejected.Load(), c.dropped.Load()
}

// StartedAt returns the collector start time.
func (c *Collector) StartedAt() time.Time {
	return c.startedAt
}
