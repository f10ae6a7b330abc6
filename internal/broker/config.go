package broker

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultNetwork           = "tcp"
	defaultReadBufferSize    = 32 << 10
	defaultGracePeriod       = 5 * time.Second
	defaultClientTTL         = 5 * time.Minute
	defaultSweepInterval     = 30 * time.Second
	defaultRejectLogInterval = time.Minute
	defaultCommandQueue      = 16
	defaultWriteTimeout      = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
)

// Config controls the collector and command endpoints.
type Config struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
	// ApprovedProvenance is the only provenance tag admitted.
	ApprovedProvenance string        `yaml:"approved_provenance"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	ClientTTL          time.Duration `yaml:"client_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	RejectLogInterval  time.Duration `yaml:"reject_log_interval"`
}

// DefaultConfig returns the baseline collector configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	c.Network = strings.TrimSpace(c.Network)
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	c.ApprovedProvenance = strings.TrimSpace(c.ApprovedProvenance)
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ClientTTL == 0 {
		c.ClientTTL = defaultClientTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.RejectLogInterval == 0 {
		c.RejectLogInterval = defaultRejectLogInterval
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.ApprovedProvenance == "" {
		return fmt.Errorf("invalid broker config: ApprovedProvenance is required")
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("invalid broker config: ReadBufferSize must be > 0")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("invalid broker config: GracePeriod must be >= 0")
	}
	if c.ClientTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("invalid broker config: ClientTTL and SweepInterval must be > 0")
	}
	if c.RejectLogInterval <= 0 {
		return fmt.Errorf("invalid broker config: RejectLogInterval must be > 0")
	}
	return nil
}

// CommandConfig controls the websocket command endpoint.
type CommandConfig struct {
	Address      string        `yaml:"address"`
	Path         string        `yaml:"path"`
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultCommandConfig returns the baseline command endpoint configuration.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{}.withDefaults()
}

func (c CommandConfig) withDefaults() CommandConfig {
	if c.Path == "" {
		c.Path = "/commands"
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultCommandQueue
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	return c
}

// Validate checks if the configuration is usable.
func (c CommandConfig) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("invalid command config: Path must start with /")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid command config: QueueSize must be > 0")
	}
	if c.WriteTimeout <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("invalid command config: WriteTimeout and PingInterval must be > 0")
	}
	return nil
}
