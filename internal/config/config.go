// Package config loads the strategy orchestration core's runtime
// configuration from YAML, applying defaults for every knob a deployment is
// allowed to leave unset.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Turn      TurnConfig      `yaml:"turn"`
	Platform  PlatformConfig  `yaml:"platform"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
}

// SchedulerConfig tunes the Delegation Scheduler's concurrency and which
// engine.Engine carries out its plan runs.
type SchedulerConfig struct {
	// MaxConcurrency bounds how many plan nodes run at once on the inmem
	// backend; the temporal backend does not enforce it. Defaults to the
	// host's CPU count.
	MaxConcurrency int `yaml:"max_concurrency"`
	// Backend is "inmem" or "temporal". Defaults to "inmem".
	Backend  string         `yaml:"backend"`
	Temporal TemporalConfig `yaml:"temporal"`
}

// TemporalConfig configures the Temporal-backed engine. Only consulted when
// Scheduler.Backend is "temporal".
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// TurnConfig tunes the sub-task runner and event pipeline.
type TurnConfig struct {
	// RoundTimeout bounds one sub-agent round within a sub-task. Defaults
	// to 60s.
	RoundTimeout time.Duration `yaml:"round_timeout"`
	// ThinkingFlushInterval is the configured interval for persisting
	// coalesced thinking activity mid-turn. Defaults to 2s. events.Pipeline
	// does not read it; it flushes on its own fixed 2s interval.
	ThinkingFlushInterval time.Duration `yaml:"thinking_flush_interval"`
}

// PlatformConfig points at the external query platform this deployment
// talks to.
type PlatformConfig struct {
	BaseURL      string  `yaml:"base_url"`
	SiteID       string  `yaml:"site_id"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// StoreConfig selects and configures the conversation store backend.
type StoreConfig struct {
	// Backend is "inmem" or "mongo". Defaults to "inmem".
	Backend string      `yaml:"backend"`
	Mongo   MongoConfig `yaml:"mongo"`
}

// MongoConfig configures the Mongo-backed conversation store. Only
// consulted when Store.Backend is "mongo".
type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EventsConfig selects and configures the turn event sink(s).
type EventsConfig struct {
	// Pulse, when non-nil, fans turn events out to a Redis-backed Pulse
	// stream in addition to the SSE response. Nil disables it.
	Pulse *PulseConfig `yaml:"pulse"`
}

// PulseConfig configures the Pulse/Redis event sink.
type PulseConfig struct {
	RedisAddr    string `yaml:"redis_addr"`
	StreamMaxLen int    `yaml:"stream_max_len"`
}

const (
	defaultRoundTimeout          = 60 * time.Second
	defaultThinkingFlushInterval = 2 * time.Second
	defaultRateLimitRPS          = 10
	defaultMongoCollection       = "conversations"
	defaultMongoTimeout          = 5 * time.Second
	defaultStoreBackend          = "inmem"
	defaultSchedulerBackend      = "inmem"
)

// Load reads and parses the YAML config file at path, applying defaults for
// every unset field.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.MaxConcurrency <= 0 {
		cfg.Scheduler.MaxConcurrency = runtime.NumCPU()
	}
	if cfg.Scheduler.Backend == "" {
		cfg.Scheduler.Backend = defaultSchedulerBackend
	}
	if cfg.Turn.RoundTimeout <= 0 {
		cfg.Turn.RoundTimeout = defaultRoundTimeout
	}
	if cfg.Turn.ThinkingFlushInterval <= 0 {
		cfg.Turn.ThinkingFlushInterval = defaultThinkingFlushInterval
	}
	if cfg.Platform.RateLimitRPS <= 0 {
		cfg.Platform.RateLimitRPS = defaultRateLimitRPS
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaultStoreBackend
	}
	if cfg.Store.Mongo.Collection == "" {
		cfg.Store.Mongo.Collection = defaultMongoCollection
	}
	if cfg.Store.Mongo.Timeout <= 0 {
		cfg.Store.Mongo.Timeout = defaultMongoTimeout
	}
}

func validate(cfg Config) error {
	if cfg.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if cfg.Platform.SiteID == "" {
		return fmt.Errorf("platform.site_id is required")
	}
	switch cfg.Store.Backend {
	case "inmem":
	case "mongo":
		if cfg.Store.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri is required when store.backend is mongo")
		}
		if cfg.Store.Mongo.Database == "" {
			return fmt.Errorf("store.mongo.database is required when store.backend is mongo")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}
	switch cfg.Scheduler.Backend {
	case "inmem":
	case "temporal":
		if cfg.Scheduler.Temporal.TaskQueue == "" {
			return fmt.Errorf("scheduler.temporal.task_queue is required when scheduler.backend is temporal")
		}
	default:
		return fmt.Errorf("unknown scheduler.backend %q", cfg.Scheduler.Backend)
	}
	return nil
}
