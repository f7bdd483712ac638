package engine

import (
	"math"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/openpower/engine/pkg/telemetry"
	"github.com/rotisserie/eris"
)

// driverConfig holds the driver configuration that can be set via environment variables.
type driverConfig struct {
	// Number of ticks per second of real time.
	TickRate float64 `env:"SIM_TICK_RATE" envDefault:"10"`

	// Record a SHA-256 hash of the state in every tick report.
	StateHash bool `env:"SIM_STATE_HASH" envDefault:"false"`

	// Number of most recent ticks whose drained actions are kept for replay. 0 disables the journal.
	JournalTicks int `env:"SIM_JOURNAL_TICKS" envDefault:"0"`
}

// loadDriverConfig loads the driver configuration from environment variables.
func loadDriverConfig() (driverConfig, error) {
	cfg := driverConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse driver config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *driverConfig) validate() error {
	if cfg.TickRate <= 0 || math.IsInf(cfg.TickRate, 0) || math.IsNaN(cfg.TickRate) {
		return eris.New("tick rate must be a positive number")
	}
	if cfg.JournalTicks < 0 {
		return eris.New("journal ticks cannot be negative")
	}
	return nil
}

// applyToOptions applies the configuration values to the given Options.
func (cfg *driverConfig) applyToOptions(opt *Options) {
	opt.TickRate = cfg.TickRate
	opt.StateHash = cfg.StateHash
	opt.JournalTicks = cfg.JournalTicks
}

type Options struct {
	TickRate     float64              // Number of ticks per second
	StateHash    bool                 // Whether tick reports carry a state hash
	JournalTicks int                  // Number of ticks kept in the action journal
	Telemetry    *telemetry.Telemetry // Optional, defaults to a no-op telemetry
}

// newDefaultOptions creates Options with default values.
func newDefaultOptions() Options {
	// Set these to invalid values to force the config or the caller to provide them.
	return Options{
		TickRate:     0,
		StateHash:    false,
		JournalTicks: 0,
		Telemetry:    nil,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.TickRate != 0.0 {
		opt.TickRate = newOpt.TickRate
	}
	if newOpt.StateHash {
		opt.StateHash = true
	}
	if newOpt.JournalTicks != 0 {
		opt.JournalTicks = newOpt.JournalTicks
	}
	if newOpt.Telemetry != nil {
		opt.Telemetry = newOpt.Telemetry
	}
}

// validate checks that all required options are set and valid.
func (opt *Options) validate() error {
	if opt.TickRate <= 0 || math.IsInf(opt.TickRate, 0) || math.IsNaN(opt.TickRate) {
		return eris.New("tick rate must be a positive number")
	}
	if opt.tickDuration() <= 0 {
		return eris.Errorf("tick rate %v is too high", opt.TickRate)
	}
	if opt.JournalTicks < 0 {
		return eris.New("journal ticks cannot be negative")
	}
	return nil
}

// tickDuration returns the fixed duration of a tick, rounded to the nanosecond.
func (opt *Options) tickDuration() time.Duration {
	return time.Duration(math.Round(float64(time.Second) / opt.TickRate))
}
