package trolley

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config tunes the per-entity runtime. The zero value is not usable; start
// from DefaultConfig or FromEnv
type Config struct {
	// SnapshotEvery is the number of persisted events between snapshots
	SnapshotEvery int `env:"TROLLEY_SNAPSHOT_EVERY" envDefault:"100"`

	// SnapshotKeep is how many snapshots each backend retains per entity
	SnapshotKeep int `env:"TROLLEY_SNAPSHOT_KEEP" envDefault:"3"`

	// MailboxSize bounds the commands queued per entity while its worker
	// is recovering or processing. Overflow rejects with ErrMailboxFull
	MailboxSize int `env:"TROLLEY_MAILBOX_SIZE" envDefault:"64"`

	// RestartSeed, RestartCap and RestartJitter shape the exponential
	// backoff between restarts of a crashed entity
	RestartSeed   time.Duration `env:"TROLLEY_RESTART_SEED" envDefault:"100ms"`
	RestartCap    time.Duration `env:"TROLLEY_RESTART_CAP" envDefault:"30s"`
	RestartJitter float64       `env:"TROLLEY_RESTART_JITTER" envDefault:"0.2"`

	// MaxRestarts is the restart budget before an entity is declared
	// failed and its queued commands are rejected
	MaxRestarts int `env:"TROLLEY_MAX_RESTARTS" envDefault:"8"`

	// SnapshotWorkers sizes the background snapshot pool. Zero writes
	// snapshots synchronously on the entity worker
	SnapshotWorkers   int           `env:"TROLLEY_SNAPSHOT_WORKERS" envDefault:"2"`
	SnapshotQueueSize int           `env:"TROLLEY_SNAPSHOT_QUEUE" envDefault:"256"`
	SnapshotTimeout   time.Duration `env:"TROLLEY_SNAPSHOT_TIMEOUT" envDefault:"30s"`
}

const (
	DefaultSnapshotEvery = 100
	DefaultSnapshotKeep  = 3
	DefaultMailboxSize   = 64
	DefaultRestartSeed   = 100 * time.Millisecond
	DefaultRestartCap    = 30 * time.Second
	DefaultRestartJitter = 0.2
	DefaultMaxRestarts   = 8

	DefaultSnapshotWorkers   = 2
	DefaultSnapshotQueueSize = 256
	DefaultSnapshotTimeout   = 30 * time.Second
)

func DefaultConfig() Config {
	return Config{
		SnapshotEvery:     DefaultSnapshotEvery,
		SnapshotKeep:      DefaultSnapshotKeep,
		MailboxSize:       DefaultMailboxSize,
		RestartSeed:       DefaultRestartSeed,
		RestartCap:        DefaultRestartCap,
		RestartJitter:     DefaultRestartJitter,
		MaxRestarts:       DefaultMaxRestarts,
		SnapshotWorkers:   DefaultSnapshotWorkers,
		SnapshotQueueSize: DefaultSnapshotQueueSize,
		SnapshotTimeout:   DefaultSnapshotTimeout,
	}
}

// FromEnv loads a Config from TROLLEY_* environment variables, falling back
// to the defaults above
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
