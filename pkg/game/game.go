// Package game assembles a playable simulation: the driver with the base module, the Lua mods,
// the snapshot storage and the real-time loop with autosaves.
package game

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/openpower/engine/pkg/engine"
	"github.com/openpower/engine/pkg/engine/script"
	"github.com/openpower/engine/pkg/engine/snapshot"
	"github.com/openpower/engine/pkg/modules/base"
	"github.com/openpower/engine/pkg/telemetry"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Game is a simulation session.
type Game struct {
	driver   *engine.Driver
	scripts  []*script.System
	storage  snapshot.Storage
	saveName string
	closers  []func() error

	lastSave uint64 // Tick of the last autosave

	options Options
	tel     telemetry.Telemetry
	logger  zerolog.Logger
}

// New creates a game. It resumes from the autosave when resuming is enabled and a save exists,
// otherwise it starts the configured scenario.
func New(opts Options) (*Game, error) {
	cfg, err := loadGameConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load game config")
	}
	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid game options")
	}

	var tel telemetry.Telemetry
	if options.Telemetry != nil {
		tel = *options.Telemetry
	} else {
		tel, err = telemetry.New(telemetry.Options{ServiceName: "openpower"}, nil)
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize telemetry")
		}
	}
	defer tel.RecoverAndFlush(true)

	g := &Game{
		options:  options,
		tel:      tel,
		logger:   tel.GetLogger("game"),
		saveName: options.SaveName,
	}
	if err := g.setup(context.Background()); err != nil {
		if closeErr := g.close(); closeErr != nil {
			g.logger.Warn().Err(closeErr).Msg("failed to release resources")
		}
		return nil, err
	}
	g.lastSave = g.driver.Tick()
	return g, nil
}

func (g *Game) setup(ctx context.Context) error {
	driver, err := engine.New(engine.Options{Telemetry: &g.tel})
	if err != nil {
		return eris.Wrap(err, "failed to create driver")
	}
	g.driver = driver
	g.closers = append(g.closers, func() error {
		driver.Close()
		return nil
	})

	if err := base.Install(driver); err != nil {
		return err
	}

	if g.options.ModsDir != "" {
		scripts, err := script.LoadMods(g.options.ModsDir, g.tel.GetLogger("script"))
		if err != nil {
			return eris.Wrap(err, "failed to load mods")
		}
		g.scripts = scripts
		g.closers = append(g.closers, func() error {
			for _, s := range scripts {
				s.Close()
			}
			return nil
		})
		if err := driver.RegisterSystems(script.Systems(scripts)...); err != nil {
			return eris.Wrap(err, "failed to register mod systems")
		}
	}

	if err := g.openStorage(ctx); err != nil {
		return err
	}

	if g.options.Resume {
		err := driver.Load(ctx, g.storage, g.saveName)
		if err == nil {
			return nil
		}
		if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return eris.Wrap(err, "failed to resume")
		}
		g.logger.Info().Str("name", g.saveName).Msg("no save to resume, starting a new game")
	}
	return g.newGame()
}

func (g *Game) openStorage(ctx context.Context) error {
	if g.options.Storage != nil {
		g.storage = g.options.Storage
		if g.saveName == "" {
			g.saveName = snapshot.DefaultName
		}
		return nil
	}

	cfg, err := snapshot.LoadConfig()
	if err != nil {
		return eris.Wrap(err, "failed to load snapshot config")
	}
	storage, closeStorage, err := snapshot.Open(ctx, cfg)
	if err != nil {
		return eris.Wrap(err, "failed to open snapshot storage")
	}
	g.storage = storage
	g.closers = append(g.closers, closeStorage)
	if g.saveName == "" {
		g.saveName = cfg.Name
	}
	return nil
}

func (g *Game) newGame() error {
	scenario, err := base.DefaultScenario()
	if g.options.Scenario != "" {
		scenario, err = base.LoadScenario(g.options.Scenario)
	}
	if err != nil {
		return err
	}
	if err := base.Populate(g.driver.State(), scenario); err != nil {
		return eris.Wrap(err, "failed to populate scenario")
	}
	g.logger.Info().
		Int("countries", len(scenario.Countries)).
		Int("regions", len(scenario.Regions)).
		Msg("new game started")
	return nil
}

// Driver returns the simulation driver.
func (g *Game) Driver() *engine.Driver {
	return g.driver
}

// Scripts returns the loaded mod scripts.
func (g *Game) Scripts() []*script.System {
	return g.scripts
}

// Start runs the game until SIGINT or SIGTERM, then saves and shuts down.
func (g *Game) Start() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer g.shutdown()
	defer g.tel.RecoverAndFlush(true)

	if err := g.Run(ctx); err != nil {
		g.tel.CaptureException(ctx, err)
		g.logger.Error().Err(err).Msg("game stopped with an error")
	}
}

// Run advances the game in real time until ctx is canceled, saving every AutosaveTicks ticks and
// once more when it stops. It returns nil on cancellation.
func (g *Game) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.driver.TickDuration())
	defer ticker.Stop()

	g.logger.Info().Uint64("tick", g.driver.Tick()).Msg("starting game loop")
	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			_, err := g.driver.Advance(ctx, now.Sub(last))
			last = now
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return eris.Wrap(err, "failed to advance")
			}
			if err := g.autosave(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return g.save(context.WithoutCancel(ctx))
		}
	}
}

// autosave saves when AutosaveTicks ticks passed since the last save.
func (g *Game) autosave(ctx context.Context) error {
	if g.options.AutosaveTicks == 0 || g.driver.Tick()-g.lastSave < g.options.AutosaveTicks {
		return nil
	}
	return g.save(ctx)
}

func (g *Game) save(ctx context.Context) error {
	if err := g.driver.Save(ctx, g.storage, g.saveName); err != nil {
		return eris.Wrap(err, "failed to save game")
	}
	g.lastSave = g.driver.Tick()
	return nil
}

// shutdown releases the game's resources and flushes telemetry.
func (g *Game) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.logger.Info().Msg("shutting down game")
	if err := g.close(); err != nil {
		g.logger.Error().Err(err).Msg("failed to release resources")
		g.tel.CaptureException(ctx, err)
	}
	if err := g.tel.Shutdown(ctx); err != nil {
		g.logger.Error().Err(err).Msg("telemetry shutdown error")
	}
	g.logger.Info().Msg("game shutdown complete")
}

// close runs the closers in reverse order of acquisition.
func (g *Game) close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i]())
	}
	g.closers = nil
	return errors.Join(errs...)
}

// Close releases the game's resources without saving.
func (g *Game) Close() error {
	return g.close()
}
