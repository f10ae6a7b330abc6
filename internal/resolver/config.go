package resolver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultReloadInterval = 30 * time.Second
	defaultTickInterval   = 10 * time.Second
	defaultMaxAge         = 24 * time.Hour
)

// DefaultHorizons are the snapshot ages recorded for every signal.
var DefaultHorizons = []time.Duration{30 * time.Minute, 60 * time.Minute, 240 * time.Minute}

// Config controls the signal log location and evaluation timing.
type Config struct {
	LogPath        string          `yaml:"log_path"`
	ReloadInterval time.Duration   `yaml:"reload_interval"`
	TickInterval   time.Duration   `yaml:"tick_interval"`
	MaxAge         time.Duration   `yaml:"max_age"`
	Horizons       []time.Duration `yaml:"horizons"`
	// PipSizes overrides the pip table, e.g. {"*JPY": 0.01, "US30": 1}.
	PipSizes map[string]float64 `yaml:"pip_sizes"`
}

// DefaultConfig returns the baseline resolver configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	c.LogPath = strings.TrimSpace(c.LogPath)
	if c.LogPath == "" {
		c.LogPath = "data/signals.jsonl"
	}
	if c.ReloadInterval == 0 {
		c.ReloadInterval = defaultReloadInterval
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaultMaxAge
	}
	if len(c.Horizons) == 0 {
		c.Horizons = append([]time.Duration(nil), DefaultHorizons...)
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.ReloadInterval <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("invalid resolver config: ReloadInterval and TickInterval must be > 0")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("invalid resolver config: MaxAge must be > 0")
	}
	seen := make(map[time.Duration]struct{}, len(c.Horizons))
	for _, h := range c.Horizons {
		if h < time.Minute || h%time.Minute != 0 {
			return fmt.Errorf("invalid resolver config: horizon %s must be a whole number of minutes", h)
		}
		if _, ok := seen[h]; ok {
			return fmt.Errorf("invalid resolver config: duplicate horizon %s", h)
		}
		seen[h] = struct{}{}
	}
	for k, v := range c.PipSizes {
		if v <= 0 {
			return fmt.Errorf("invalid resolver config: pip size for %s must be > 0", k)
		}
	}
	return nil
}
