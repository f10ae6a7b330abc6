package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tickrelay/internal/config"
	"tickrelay/internal/obs"
	"tickrelay/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("supervisor: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "optional dotenv file")
	metricsAddr := flag.String("metrics", "", "metrics listen address (empty disables)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logs.Warnf("load %s, err: %+v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.ValidateSupervisor(); err != nil {
		return err
	}
	sc := cfg.Supervisor

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sys.Shutdown():
			stop()
		case <-ctx.Done():
		}
	}()

	metrics := obs.NewMetrics()
	if *metricsAddr != "" {
		srv := metrics.Serve(*metricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	alerts := supervisor.MultiSink{supervisor.LogSink{}}
	if sc.WebhookURL != "" {
		alerts = append(alerts, supervisor.WebhookSink{URL: sc.WebhookURL, Client: &http.Client{Timeout: sc.AlertTimeout}})
	}
	opts := []supervisor.Option{
		supervisor.WithAlertSink(alerts),
		supervisor.WithObserver(metrics),
		supervisor.WithProbe(supervisor.AllProbe{supervisor.ProcessProbe{}, supervisor.HeartbeatProbe{}}),
	}
	if sc.HistoryPath != "" {
		if err := os.MkdirAll(filepath.Dir(sc.HistoryPath), 0o755); err != nil {
			return err
		}
		history, err := supervisor.OpenBoltHistory(sc.HistoryPath)
		if err != nil {
			return err
		}
		defer history.Close()
		opts = append(opts, supervisor.WithHistory(history))
	}

	sup, err := supervisor.New(sc.Config, opts...)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(sc.Workers))
	for name := range sc.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sup.Register(name, sc.Workers[name]); err != nil {
			return err
		}
	}

	// SIGHUP forces a restart of every worker, bypassing the cooldown.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				for _, name := range names {
					if err := sup.ForceRestart(ctx, name); err != nil {
						logs.Warnf("force restart %s, err: %+v", name, err)
					}
				}
			}
		}
	}()

	return sup.Run(ctx)
}
