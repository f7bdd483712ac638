package game

import (
	"github.com/caarlos0/env/v11"
	"github.com/openpower/engine/pkg/engine/snapshot"
	"github.com/openpower/engine/pkg/telemetry"
	"github.com/rotisserie/eris"
)

// gameConfig holds the game configuration that can be set via environment variables.
type gameConfig struct {
	// Directory holding one subdirectory of Lua scripts per mod.
	ModsDir string `env:"SIM_MODS_DIR" envDefault:"mods"`

	// Scenario file for new games. The built-in scenario is used when empty.
	Scenario string `env:"SIM_SCENARIO"`

	// Number of ticks between autosaves. 0 only saves on shutdown.
	AutosaveTicks uint64 `env:"SIM_AUTOSAVE_TICKS" envDefault:"600"`

	// Resume from the autosave when there is one.
	Resume bool `env:"SIM_RESUME" envDefault:"true"`
}

// loadGameConfig loads the game configuration from environment variables.
func loadGameConfig() (gameConfig, error) {
	cfg := gameConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse game config")
	}

	return cfg, nil
}

// applyToOptions applies the configuration values to the given Options.
func (cfg *gameConfig) applyToOptions(opt *Options) {
	opt.ModsDir = cfg.ModsDir
	opt.Scenario = cfg.Scenario
	opt.AutosaveTicks = cfg.AutosaveTicks
	opt.Resume = cfg.Resume
}

type Options struct {
	ModsDir       string               // Mods directory, empty disables mods
	Scenario      string               // Optional scenario file
	AutosaveTicks uint64               // Ticks between autosaves
	Resume        bool                 // Whether to resume from the autosave
	SaveName      string               // Optional, defaults to the configured snapshot name
	Storage       snapshot.Storage     // Optional, defaults to the configured snapshot storage
	Telemetry     *telemetry.Telemetry // Optional, defaults to telemetry configured from the env
}

// newDefaultOptions creates Options with default values.
func newDefaultOptions() Options {
	return Options{
		ModsDir:       "",
		Scenario:      "",
		AutosaveTicks: 0,
		Resume:        false,
		SaveName:      "",
		Storage:       nil,
		Telemetry:     nil,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.ModsDir != "" {
		opt.ModsDir = newOpt.ModsDir
	}
	if newOpt.Scenario != "" {
		opt.Scenario = newOpt.Scenario
	}
	if newOpt.AutosaveTicks != 0 {
		opt.AutosaveTicks = newOpt.AutosaveTicks
	}
	if newOpt.Resume {
		opt.Resume = true
	}
	if newOpt.SaveName != "" {
		opt.SaveName = newOpt.SaveName
	}
	if newOpt.Storage != nil {
		opt.Storage = newOpt.Storage
	}
	if newOpt.Telemetry != nil {
		opt.Telemetry = newOpt.Telemetry
	}
}

// validate checks that all options are valid.
func (opt *Options) validate() error {
	if opt.SaveName != "" {
		if err := snapshot.ValidateName(opt.SaveName); err != nil {
			return eris.Wrap(err, "invalid save name")
		}
	}
	return nil
}
