// Package config loads the relay and supervisor settings from YAML, the
// environment and an optional etcd overlay.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tickrelay/internal/aggregator"
	"tickrelay/internal/broker"
	"tickrelay/internal/reading"
	"tickrelay/internal/resolver"
	"tickrelay/internal/supervisor"
	"tickrelay/pkg/conn"
)

// Environment variables read by ApplyEnv.
const (
	EnvProvenance    = "TICKRELAY_PROVENANCE"
	EnvArchiveDSN    = "TICKRELAY_ARCHIVE_DSN"
	EnvWebhookURL    = "TICKRELAY_ALERT_WEBHOOK"
	EnvEtcdEndpoints = "TICKRELAY_ETCD_ENDPOINTS"
)

// Config is the whole deployment configuration.
type Config struct {
	Collector  broker.Config        `yaml:"collector"`
	Command    broker.CommandConfig `yaml:"command"`
	Parser     reading.Config       `yaml:"parser"`
	Aggregator aggregator.Config    `yaml:"aggregator"`
	Resolver   resolver.Config      `yaml:"resolver"`
	Supervisor Supervisor           `yaml:"supervisor"`
	API        API                  `yaml:"api"`
	Metrics    Metrics              `yaml:"metrics"`
	Profiling  Profiling            `yaml:"profiling"`
	Archive    Archive              `yaml:"archive"`
	Etcd       Etcd                 `yaml:"etcd"`
	Heartbeat  Heartbeat            `yaml:"heartbeat"`
}

// Supervisor holds the restart policy plus the workers to keep alive.
type Supervisor struct {
	supervisor.Config `yaml:",inline"`
	HistoryPath       string                           `yaml:"history_path"`
	WebhookURL        string                           `yaml:"webhook_url"`
	Workers           map[string]supervisor.LaunchSpec `yaml:"workers"`
}

type API struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Metrics struct {
	Address string `yaml:"address"`
}

type Profiling struct {
	Enabled         bool              `yaml:"enabled"`
	ApplicationName string            `yaml:"application_name"`
	ServerAddress   string            `yaml:"server_address"`
	Tags            map[string]string `yaml:"tags"`
}

// Archive mirrors resolved signals to PostgreSQL when enabled.
type Archive struct {
	Enabled  bool        `yaml:"enabled"`
	Queue    int         `yaml:"queue"`
	Postgres conn.Option `yaml:"postgres"`
}

// Etcd configures the dynamic overlay for the allow-list and provenance.
type Etcd struct {
	Endpoints    []string      `yaml:"endpoints"`
	Prefix       string        `yaml:"prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Enabled reports whether an etcd cluster is configured.
func (e Etcd) Enabled() bool { return len(e.Endpoints) > 0 }

// Heartbeat makes the relay touch File every Interval so a supervisor can
// probe it.
type Heartbeat struct {
	File     string        `yaml:"file"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a configuration with every section at its defaults.
func Default() Config {
	return Config{
		Collector:  broker.DefaultConfig(),
		Command:    broker.DefaultCommandConfig(),
		Parser:     reading.DefaultConfig(),
		Aggregator: aggregator.DefaultConfig(),
		Resolver:   resolver.DefaultConfig(),
		Supervisor: Supervisor{
			Config:      supervisor.DefaultConfig(),
			HistoryPath: "data/supervisor.db",
		},
		API: API{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Metrics: Metrics{Address: ":9100"},
		Profiling: Profiling{
			ApplicationName: "tickrelay",
			ServerAddress:   "http://localhost:4040",
		},
		Archive: Archive{Queue: 1024},
		Etcd: Etcd{
			Prefix:       "/tickrelay/",
			DialTimeout:  5 * time.Second,
			PollInterval: 30 * time.Second,
		},
		Heartbeat: Heartbeat{Interval: 5 * time.Second},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config").With("path", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config").With("path", path)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return os.WriteFile(path, b, 0o644)
}

// ApplyEnv overrides secrets and deployment specifics from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvProvenance)); v != "" {
		c.Collector.ApprovedProvenance = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvArchiveDSN)); v != "" {
		c.Archive.Postgres.ConnString = v
		c.Archive.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebhookURL)); v != "" {
		c.Supervisor.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEtcdEndpoints)); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
}

// ValidateRelay checks the sections the relay binary uses.
func (c Config) ValidateRelay() error {
	checks := []func() error{
		c.Collector.Validate,
		c.Command.Validate,
		c.Parser.Validate,
		c.Aggregator.Validate,
		c.Resolver.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if c.Collector.Address == "" {
		return fmt.Errorf("invalid relay config: collector.address is required")
	}
	if c.Archive.Enabled && !c.Archive.Postgres.Enabled() {
		return fmt.Errorf("invalid relay config: archive enabled without postgres database")
	}
	if c.Heartbeat.File != "" && c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("invalid relay config: heartbeat.interval must be > 0")
	}
	if c.Etcd.Enabled() && c.Etcd.PollInterval <= 0 {
		return fmt.Errorf("invalid relay config: etcd.poll_interval must be > 0")
	}
	return nil
}

// ValidateSupervisor checks the supervisor section.
func (c Config) ValidateSupervisor() error {
	if err := c.Supervisor.Config.Validate(); err != nil {
		return err
	}
	if len(c.Supervisor.Workers) == 0 {
		return fmt.Errorf("invalid supervisor config: no workers")
	}
	for name, spec := range c.Supervisor.Workers {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("worker %s: %w", name, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
