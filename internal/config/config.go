// Package config loads engine configuration from the environment.
package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// FeeSchedule is a maker/taker fee pair, in basis points.
type FeeSchedule struct {
	MakerBps int64
	TakerBps int64
}

// defaultFeeSchedule is applied to any symbol without an explicit entry.
var defaultFeeSchedule = FeeSchedule{MakerBps: 10, TakerBps: 20}

// Config holds every tunable the engine reads at startup.
type Config struct {
	WALPath           string `env:"WAL_PATH" envDefault:"./data/wal.jsonl"`
	SnapshotDir       string `env:"SNAPSHOT_DIR" envDefault:"./data/snapshots"`
	BroadcastWorkers  int    `env:"BROADCAST_WORKERS" envDefault:"0"`
	SnapshotInterval  int    `env:"SNAPSHOT_INTERVAL_SECONDS" envDefault:"30"`
	KafkaBrokers      string `env:"KAFKA_BROKERS" envDefault:""`
	KafkaTopic        string `env:"KAFKA_TOPIC" envDefault:"matching.events"`

	// fees is populated by ApplyFeeOverrides, not bound directly from the
	// environment (FEE_CONFIG is a per-symbol map, awkward to express as a
	// single env tag; callers load it from their own config source and call
	// ApplyFeeOverrides).
	fees map[string]FeeSchedule
}

// Load reads Config from the process environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "config: parse environment")
	}
	cfg.fees = map[string]FeeSchedule{"*": defaultFeeSchedule}
	return cfg, nil
}

// ApplyFeeOverrides sets a per-symbol fee schedule, overriding the default
// for that symbol only.
func (c *Config) ApplyFeeOverrides(overrides map[string]FeeSchedule) {
	if c.fees == nil {
		c.fees = map[string]FeeSchedule{"*": defaultFeeSchedule}
	}
	for symbol, fs := range overrides {
		c.fees[symbol] = fs
	}
}

// FeeScheduleFor returns the fee schedule for a symbol, falling back to the
// default schedule when no override is configured.
func (c *Config) FeeScheduleFor(symbol string) FeeSchedule {
	if c.fees == nil {
		return defaultFeeSchedule
	}
	if fs, ok := c.fees[symbol]; ok {
		return fs
	}
	return c.fees["*"]
}
