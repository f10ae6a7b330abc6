package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"tickrelay/internal/aggregator"
	"tickrelay/internal/api"
	"tickrelay/internal/broker"
	"tickrelay/internal/bus"
	"tickrelay/internal/config"
	"tickrelay/internal/obs"
	"tickrelay/internal/pips"
	"tickrelay/internal/resolver"
	"tickrelay/pkg/conn"
	"tickrelay/pkg/netx"
)

const subscriberBuffer = 256

func main() {
	if err := run(); err != nil {
		logs.Errorf("relay: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logs.Warnf("load %s, err: %+v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sys.Shutdown():
			stop()
		case <-ctx.Done():
		}
	}()

	var (
		overlay *config.Overlay
		dynamic config.Dynamic
	)
	if cfg.Etcd.Enabled() {
		overlay, err = config.DialOverlay(cfg.Etcd)
		if err != nil {
			return err
		}
		defer overlay.Close()
		if dynamic, err = overlay.Fetch(ctx); err != nil {
			return err
		}
		cfg.Apply(dynamic)
	}
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	if cfg.Profiling.Enabled {
		stopProfiler, err := obs.StartProfiler(obs.ProfileConfig{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            cfg.Profiling.Tags,
		})
		if err != nil {
			return err
		}
		defer func() { _ = stopProfiler() }()
	}

	metrics := obs.NewMetrics()
	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		metricsSrv = metrics.Serve(cfg.Metrics.Address)
	}

	hub := bus.NewHub(bus.WithDropHook(metrics.ObserveBusDrop))
	defer hub.Close()

	agg, err := aggregator.New(cfg.Aggregator, aggregator.WithPipTable(pips.NewTable(cfg.Resolver.PipSizes, 0)))
	if err != nil {
		return err
	}
	aggSub, err := hub.Subscribe("aggregator", subscriberBuffer)
	if err != nil {
		return err
	}

	store, err := resolver.NewStore(cfg.Resolver.LogPath)
	if err != nil {
		return err
	}
	sinks := resolver.MultiSink{resolver.LogSink{}}
	var archive *resolver.Archive
	if cfg.Archive.Enabled {
		pg, err := conn.New(cfg.Archive.Postgres)
		if err != nil {
			return err
		}
		defer pg.Close()
		if archive, err = resolver.NewArchive(pg.DB(), cfg.Archive.Queue); err != nil {
			return err
		}
		if err := archive.Migrate(ctx); err != nil {
			return err
		}
		archive.Start(context.WithoutCancel(ctx))
		defer archive.Close()
		sinks = append(sinks, archive)
	}
	res, err := resolver.New(cfg.Resolver, store, resolver.WithSink(sinks), resolver.WithObserver(metrics))
	if err != nil {
		return err
	}
	resSub, err := hub.Subscribe("resolver", subscriberBuffer)
	if err != nil {
		return err
	}

	collector, err := broker.NewCollector(cfg.Collector, cfg.Parser, hub,
		broker.WithObserver(metrics), broker.WithParserObserver(metrics))
	if err != nil {
		return err
	}
	server, err := netx.NewServer(cfg.Collector.Network, cfg.Collector.Address)
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	commands, err := broker.NewCommandHub(cfg.Command)
	if err != nil {
		_ = server.Close()
		return err
	}
	defer commands.Close()
	var commandLn net.Listener
	if cfg.Command.Address != "" {
		if commandLn, err = net.Listen("tcp", cfg.Command.Address); err != nil {
			_ = server.Close()
			return err
		}
	}

	registerGauges(metrics, agg, res, collector, commands)

	apiSrv := api.New(api.Deps{
		Market:   agg,
		Outcomes: res,
		Commands: commands,
		Status: func() any {
			return relayStatus{
				Broker:        collector.Status(commands),
				Aggregator:    agg.Counts(),
				Resolver:      res.Counts(),
				IngestLatency: metrics.IngestLatency(),
				Archive:       archiveStatus(archive),
			}
		},
	})

	// Consumers outlive the collector so the readings it flushes during its
	// grace period are still drained.
	consumeCtx, stopConsumers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopConsumers()
		return collector.Serve(gctx, server)
	})
	g.Go(func() error { return agg.Run(consumeCtx, aggSub) })
	g.Go(func() error { return res.Run(consumeCtx, resSub) })
	if commandLn != nil {
		g.Go(func() error { return commands.Serve(gctx, commandLn) })
	}
	if cfg.API.Address != "" {
		g.Go(func() error {
			return apiSrv.Serve(gctx, cfg.API.Address, cfg.API.ReadTimeout, cfg.API.WriteTimeout, cfg.Collector.GracePeriod)
		})
	}
	if cfg.Heartbeat.File != "" {
		g.Go(func() error { return heartbeat(gctx, cfg.Heartbeat.File, cfg.Heartbeat.Interval) })
	}
	if overlay != nil {
		g.Go(func() error {
			overlay.Poll(gctx, cfg.Etcd.PollInterval, dynamic, func(d config.Dynamic) {
				if d.Provenance != "" {
					collector.Gate().Set(d.Provenance)
				}
				if d.AllowList != nil {
					collector.Parser().SetAllowList(d.AllowList)
				}
			})
			return nil
		})
	}

	logs.Infof("relay running: collector %s, api %s, commands %s", cfg.Collector.Address, cfg.API.Address, cfg.Command.Address)
	err = g.Wait()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logs.Info("relay stopped")
	return nil
}

type archiveTotals struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

type relayStatus struct {
	Broker        broker.Status       `json:"broker"`
	Aggregator    aggregator.Counts   `json:"aggregator"`
	Resolver      resolver.Counts     `json:"resolver"`
	IngestLatency obs.LatencySnapshot `json:"ingest_latency"`
	Archive       *archiveTotals      `json:"archive,omitempty"`
}

func archiveStatus(a *resolver.Archive) *archiveTotals {
	if a == nil {
		return nil
	}
	written, dropped, failed := a.Totals()
	return &archiveTotals{Written: written, Dropped: dropped, Failed: failed}
}

func registerGauges(m *obs.Metrics, agg *aggregator.Aggregator, res *resolver.Resolver, c *broker.Collector, commands *broker.CommandHub) {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"instruments_active", "Instruments with fresh readings.", func() float64 { return float64(agg.Counts().Active) }},
		{"instruments_known", "Instruments held in memory.", func() float64 { return float64(agg.Counts().Known) }},
		{"clients_known", "Collector clients seen within the TTL.", func() float64 { return float64(c.Clients().Len()) }},
		{"collector_connections", "Open collector connections.", func() float64 { return float64(c.Connections()) }},
		{"command_clients", "Connected command channel clients.", func() float64 { return float64(commands.Clients()) }},
		{"signals_pending", "Signals awaiting resolution.", func() float64 { return float64(res.Counts().Pending) }},
	}
	for _, g := range gauges {
		if err := m.Gauge(g.name, g.help, g.fn); err != nil {
			logs.Warnf("register gauge %s, err: %+v", g.name, err)
		}
	}
}
