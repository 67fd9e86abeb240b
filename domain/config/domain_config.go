package config

import (
	"fmt"
	"math"
	"time"
)

// DomainConfig holds all configurable business rules and sync tuning
type DomainConfig struct {
	// Memory defaults
	DefaultEnergy    float64
	DefaultResonance float64
	MaxTagsPerMemory int
	MaxContentLength int

	// Resonance weights: energy*EnergyWeight + tagOverlap*TagWeight
	ResonanceEnergyWeight float64
	ResonanceTagWeight    float64

	// Sync tuning
	Sync SyncConfig
}

// SyncConfig tunes the replication pipeline of one instance.
type SyncConfig struct {
	RetryAttempts     int
	RetryDelay        time.Duration
	BatchSize         int
	EventDebounce     time.Duration
	DebounceMaxWait   time.Duration
	DrainInterval     time.Duration
	InstanceTimeout   time.Duration
	HeartbeatInterval time.Duration
	MaxQueueSize      int

	// Publish throttle (events/second) and burst for the outgoing pipeline
	PublishRate  float64
	PublishBurst int

	// Consecutive transmission failures before the breaker opens
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration

	// Local optimistic-lock retries
	ConflictRetries   int
	ConflictBaseDelay time.Duration
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		DefaultEnergy:    1.0,
		DefaultResonance: 0.5,
		MaxTagsPerMemory: 64,
		MaxContentLength: 50000,

		ResonanceEnergyWeight: 0.6,
		ResonanceTagWeight:    0.4,

		Sync: DefaultSyncConfig(),
	}
}

// DefaultSyncConfig mirrors the tuning the browser client shipped with.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		RetryAttempts:     3,
		RetryDelay:        time.Second,
		BatchSize:         50,
		EventDebounce:     100 * time.Millisecond,
		DebounceMaxWait:   time.Second,
		DrainInterval:     200 * time.Millisecond,
		InstanceTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxQueueSize:      1000,

		PublishRate:  500,
		PublishBurst: 100,

		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      5 * time.Second,

		ConflictRetries:   3,
		ConflictBaseDelay: 100 * time.Millisecond,
	}
}

// ProductionDomainConfig returns production-specific configuration
func ProductionDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	config.MaxContentLength = 20000
	config.MaxTagsPerMemory = 32

	return config
}

// DevelopmentDomainConfig returns development-specific configuration
func DevelopmentDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	// Faster feedback when watching replication locally
	config.Sync.RetryDelay = 250 * time.Millisecond
	config.Sync.HeartbeatInterval = 5 * time.Second

	return config
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *DomainConfig) Validate() error {
	if c.DefaultEnergy < 0 || c.DefaultEnergy > 1 {
		return fmt.Errorf("default energy must be within [0,1], got %v", c.DefaultEnergy)
	}
	if c.DefaultResonance < 0 || c.DefaultResonance > 1 {
		return fmt.Errorf("default resonance must be within [0,1], got %v", c.DefaultResonance)
	}
	if math.Abs(c.ResonanceEnergyWeight+c.ResonanceTagWeight-1) > 1e-9 {
		return fmt.Errorf("resonance weights must sum to 1")
	}
	return c.Sync.Validate()
}

func (s SyncConfig) Validate() error {
	switch {
	case s.RetryAttempts < 1:
		return fmt.Errorf("retry attempts must be at least 1")
	case s.BatchSize < 1:
		return fmt.Errorf("batch size must be at least 1")
	case s.MaxQueueSize < 1:
		return fmt.Errorf("max queue size must be at least 1")
	case s.DrainInterval <= 0:
		return fmt.Errorf("drain interval must be positive")
	case s.InstanceTimeout <= 0:
		return fmt.Errorf("instance timeout must be positive")
	case s.HeartbeatInterval <= 0 || s.HeartbeatInterval >= s.InstanceTimeout:
		return fmt.Errorf("heartbeat interval must be positive and shorter than the instance timeout")
	case s.EventDebounce < 0 || s.DebounceMaxWait < s.EventDebounce:
		return fmt.Errorf("debounce max wait must be at least the debounce window")
	}
	return nil
}
