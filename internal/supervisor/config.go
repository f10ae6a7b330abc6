package supervisor

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultCheckInterval = 5 * time.Second
	defaultAlertEvery    = 5
	defaultWindow        = time.Hour
	defaultCeiling       = 10
	defaultCooldown      = 60 * time.Second
	defaultResetAfter    = 24 * time.Hour
	defaultStartTimeout  = 3 * time.Second
	defaultBackoffMin    = 5 * time.Minute
	defaultBackoffMax    = time.Hour
	defaultAlertTimeout  = 5 * time.Second
)

// Config holds the restart policy.
type Config struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	// AlertEvery alerts on the first failure of a streak and then every Nth.
	AlertEvery int           `yaml:"alert_every"`
	Window     time.Duration `yaml:"window"`
	Ceiling    int           `yaml:"ceiling"`
	Cooldown   time.Duration `yaml:"cooldown"`
	// StableAfter is how long a restarted worker must stay alive to count as recovered.
	StableAfter  time.Duration `yaml:"stable_after"`
	ResetAfter   time.Duration `yaml:"reset_after"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	BackoffMin   time.Duration `yaml:"backoff_min"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	AlertTimeout time.Duration `yaml:"alert_timeout"`
}

// DefaultConfig returns the baseline supervisor configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.CheckInterval == 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.AlertEvery == 0 {
		c.AlertEvery = defaultAlertEvery
	}
	if c.Window == 0 {
		c.Window = defaultWindow
	}
	if c.Ceiling == 0 {
		c.Ceiling = defaultCeiling
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	if c.StableAfter == 0 {
		c.StableAfter = c.Cooldown
	}
	if c.ResetAfter == 0 {
		c.ResetAfter = defaultResetAfter
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = defaultBackoffMin
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.AlertTimeout == 0 {
		c.AlertTimeout = defaultAlertTimeout
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("invalid supervisor config: CheckInterval must be > 0")
	}
	if c.AlertEvery <= 0 || c.Ceiling <= 0 {
		return fmt.Errorf("invalid supervisor config: AlertEvery and Ceiling must be > 0")
	}
	if c.Window <= 0 || c.Cooldown < 0 || c.ResetAfter <= 0 {
		return fmt.Errorf("invalid supervisor config: Window and ResetAfter must be > 0, Cooldown >= 0")
	}
	if c.ResetAfter < c.Window {
		return fmt.Errorf("invalid supervisor config: ResetAfter must be >= Window")
	}
	if c.StartTimeout < 0 || c.StableAfter < 0 {
		return fmt.Errorf("invalid supervisor config: StartTimeout and StableAfter must be >= 0")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("invalid supervisor config: need 0 < BackoffMin <= BackoffMax")
	}
	return nil
}

// LaunchSpec describes how to start one worker.
type LaunchSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
	// HeartbeatFile, when set, must be touched by the worker at least every HeartbeatMaxAge.
	HeartbeatFile   string        `yaml:"heartbeat_file"`
	HeartbeatMaxAge time.Duration `yaml:"heartbeat_max_age"`
	// LogFile receives the worker's stdout and stderr; empty inherits the supervisor's.
	LogFile string `yaml:"log_file"`
}

// Validate checks that the spec can be launched.
func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("invalid launch spec: Command is required")
	}
	if s.HeartbeatMaxAge < 0 {
		return fmt.Errorf("invalid launch spec: HeartbeatMaxAge must be >= 0")
	}
	return nil
}
