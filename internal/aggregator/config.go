package aggregator

import (
	"fmt"
	"time"
)

const (
	defaultCapacity            = 150
	defaultCacheInterval       = 2 * time.Second
	defaultStaleAfter          = 30 * time.Second
	defaultEvictAfter          = 30 * time.Minute
	defaultSweepInterval       = time.Minute
	defaultOrderFlowWindow     = 50
	defaultBucketPips          = 5
	defaultTopZones            = 3
	defaultSweepDistancePips   = 10
	defaultSpreadWindow        = 20
	defaultAbnormalSpreadRatio = 2.0
)

// Config controls history size, freshness and analytics parameters.
type Config struct {
	Capacity            int           `yaml:"capacity"`
	CacheInterval       time.Duration `yaml:"cache_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	EvictAfter          time.Duration `yaml:"evict_after"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	OrderFlowWindow     int           `yaml:"order_flow_window"`
	BucketPips          float64       `yaml:"bucket_pips"`
	TopZones            int           `yaml:"top_zones"`
	SweepDistancePips   float64       `yaml:"sweep_distance_pips"`
	SpreadWindow        int           `yaml:"spread_window"`
	AbnormalSpreadRatio float64       `yaml:"abnormal_spread_ratio"`
}

// DefaultConfig returns the baseline aggregator configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = defaultCapacity
	}
	if c.CacheInterval == 0 {
		c.CacheInterval = defaultCacheInterval
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = defaultEvictAfter
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.OrderFlowWindow == 0 {
		c.OrderFlowWindow = defaultOrderFlowWindow
	}
	if c.BucketPips == 0 {
		c.BucketPips = defaultBucketPips
	}
	if c.TopZones == 0 {
		c.TopZones = defaultTopZones
	}
	if c.SweepDistancePips == 0 {
		c.SweepDistancePips = defaultSweepDistancePips
	}
	if c.SpreadWindow == 0 {
		c.SpreadWindow = defaultSpreadWindow
	}
	if c.AbnormalSpreadRatio == 0 {
		c.AbnormalSpreadRatio = defaultAbnormalSpreadRatio
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("invalid aggregator config: Capacity must be > 0")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("invalid aggregator config: StaleAfter must be > 0")
	}
	if c.EvictAfter < c.StaleAfter {
		return fmt.Errorf("invalid aggregator config: EvictAfter must be >= StaleAfter")
	}
	if c.CacheInterval < 0 {
		return fmt.Errorf("invalid aggregator config: CacheInterval must be >= 0")
	}
	if c.OrderFlowWindow < 2 {
		return fmt.Errorf("invalid aggregator config: OrderFlowWindow must be >= 2")
	}
	if c.BucketPips <= 0 || c.SweepDistancePips < 0 {
		return fmt.Errorf("invalid aggregator config: BucketPips must be > 0 and SweepDistancePips >= 0")
	}
	if c.TopZones <= 0 || c.SpreadWindow <= 0 {
		return fmt.Errorf("invalid aggregator config: TopZones and SpreadWindow must be > 0")
	}
	if c.AbnormalSpreadRatio < 1 {
		return fmt.Errorf("invalid aggregator config: AbnormalSpreadRatio must be >= 1")
	}
	return nil
}
