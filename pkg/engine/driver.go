package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpower/engine/pkg/assert"
	"github.com/openpower/engine/pkg/engine/action"
	"github.com/openpower/engine/pkg/engine/event"
	"github.com/openpower/engine/pkg/engine/scheduler"
	"github.com/openpower/engine/pkg/engine/snapshot"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/openpower/engine/pkg/telemetry"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Event is a value emitted by a system during a tick.
type Event = event.Event

// TickReport is published to subscribers once per tick, after every system ran.
type TickReport struct {
	Tick      uint64
	Outcomes  []action.Outcome // One per drained action, in application order
	Events    []event.Emitted  // In system order, then emission order
	Faults    []SystemFault
	StateHash []byte // SHA-256 of the state after the tick, nil unless enabled
}

// JournalEntry is the batch of actions drained at the start of a tick.
type JournalEntry struct {
	Tick    uint64
	Actions []action.Envelope
}

// Driver owns the game state and advances it in fixed steps. Actions and systems are registered
// up front; advancing, saving and loading are mutually exclusive and fail with ErrAdvancing when
// another one is in progress.
type Driver struct {
	state   *state.GameState
	actions *action.Registry
	queue   *action.Queue
	systems *scheduler.Registry
	bus     *event.Bus[TickReport]

	updatersMu sync.RWMutex
	updaters   map[string]System
	order      []string // Scheduled order of the running tick, only touched while advancing

	clockMu sync.Mutex
	clock   Clock

	advancing atomic.Bool

	journalMu sync.Mutex
	journal   []JournalEntry

	options Options
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// New creates a driver with an empty state. Options not set in opts are loaded from the
// environment.
func New(opts Options) (*Driver, error) {
	cfg, err := loadDriverConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load driver config")
	}
	options := newDefaultOptions()
	cfg.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid driver options")
	}

	tel := options.Telemetry
	if tel == nil {
		nop := telemetry.Nop()
		tel = &nop
	}

	clock, err := NewClock(options.tickDuration())
	if err != nil {
		return nil, err
	}

	actions := action.NewRegistry()
	d := &Driver{
		state:    state.New(),
		actions:  actions,
		queue:    action.NewQueue(actions),
		systems:  scheduler.NewRegistry(),
		bus:      event.NewBus[TickReport](tel.GetLogger("event")),
		updaters: make(map[string]System),
		clock:    clock,
		options:  options,
		tel:      tel,
		logger:   tel.GetLogger("driver"),
		tracer:   tel.Tracer,
	}
	d.logger.Info().
		Float64("tick_rate", options.TickRate).
		Dur("tick_duration", clock.TickDuration()).
		Bool("state_hash", options.StateHash).
		Int("journal_ticks", options.JournalTicks).
		Msg("driver created")
	return d, nil
}

// State returns the game state. Tables are created on it before systems that use them are
// registered.
func (d *Driver) State() *state.GameState {
	return d.state
}

// Actions returns the action kind registry.
func (d *Driver) Actions() *action.Registry {
	return d.actions
}

// Queue returns the action queue. It is safe to enqueue from any goroutine.
func (d *Driver) Queue() *action.Queue {
	return d.queue
}

// RegisterSystems validates and registers a batch of systems. Every declared table must exist.
// Nothing is registered on failure. Registering while advancing is allowed; the new order takes
// effect at the start of the next tick.
func (d *Driver) RegisterSystems(systems ...System) error {
	batch := make([]scheduler.System, 0, len(systems))
	for _, s := range systems {
		if s == nil {
			return eris.New("system cannot be nil")
		}
		for _, name := range slices.Concat(s.Reads(), s.Writes()) {
			if !d.state.HasTable(name) {
				return eris.Wrapf(state.ErrTableNotFound, "system %s declares unknown table %q", s.ID(), name)
			}
		}
		batch = append(batch, s)
	}

	d.updatersMu.Lock()
	defer d.updatersMu.Unlock()
	if err := d.systems.Register(batch...); err != nil {
		return eris.Wrap(err, "failed to register systems")
	}
	for _, s := range systems {
		d.updaters[s.ID()] = s
	}
	return nil
}

// Order returns the scheduled order the next tick will use.
func (d *Driver) Order() ([]string, error) {
	d.updatersMu.RLock()
	defer d.updatersMu.RUnlock()
	descriptors := make(map[string]scheduler.Descriptor, len(d.updaters))
	for id := range d.updaters {
		desc, _ := d.systems.Descriptor(id)
		descriptors[id] = desc
	}
	return scheduler.ComputeOrder(descriptors)
}

// Subscribe returns a subscription to tick reports. See event.Bus.Subscribe.
func (d *Driver) Subscribe(buffer int) *event.Subscription[TickReport] {
	return d.bus.Subscribe(buffer)
}

// SubscribeFunc calls fn with every tick report from a dedicated goroutine.
func (d *Driver) SubscribeFunc(buffer int, fn func(TickReport)) *event.Subscription[TickReport] {
	return d.bus.SubscribeFunc(buffer, fn)
}

// Tick returns the number of completed ticks.
func (d *Driver) Tick() uint64 {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.clock.Tick()
}

// TickDuration returns the fixed duration of a tick.
func (d *Driver) TickDuration() time.Duration {
	return d.options.tickDuration()
}

// Accumulated returns the scaled elapsed time not yet turned into ticks.
func (d *Driver) Accumulated() time.Duration {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.clock.Accumulated()
}

// TimeScale returns the multiplier applied to elapsed time.
func (d *Driver) TimeScale() float64 {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.clock.Scale()
}

// SetTimeScale sets the multiplier applied to elapsed time passed to Advance. 0 pauses the
// simulation; Step still runs ticks while paused.
func (d *Driver) SetTimeScale(scale float64) error {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	return d.clock.SetScale(scale)
}

// Journal returns a copy of the recorded action batches, oldest first.
func (d *Driver) Journal() []JournalEntry {
	d.journalMu.Lock()
	defer d.journalMu.Unlock()
	return slices.Clone(d.journal)
}

// -------------------------------------------------------------------------------------------------
// Advancing
// -------------------------------------------------------------------------------------------------

// Advance adds elapsed wall-clock time, scaled by the time scale, and runs every tick that became
// due. It returns the number of ticks run. The context is checked before each tick; a canceled
// context stops the loop between ticks and leaves the remaining time accumulated.
func (d *Driver) Advance(ctx context.Context, elapsed time.Duration) (int, error) {
	if elapsed < 0 {
		return 0, eris.Errorf("elapsed time cannot be negative, got %s", elapsed)
	}
	if !d.advancing.CompareAndSwap(false, true) {
		return 0, eris.Wrap(ErrAdvancing, "advance called while advancing")
	}
	defer d.advancing.Store(false)

	d.clockMu.Lock()
	d.clock.add(elapsed)
	d.clockMu.Unlock()

	ran := 0
	for {
		tick, ok, err := d.nextDue(ctx)
		if err != nil {
			return ran, eris.Wrap(err, "advance stopped")
		}
		if !ok {
			return ran, nil
		}
		d.runTick(ctx, tick)
		ran++
	}
}

// nextDue consumes one tick from the accumulator if one is due and ctx is still live.
func (d *Driver) nextDue(ctx context.Context) (uint64, bool, error) {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	if !d.clock.due() {
		return 0, false, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return d.clock.consume(), true, nil
}

// Step runs exactly one tick regardless of accumulated time and time scale.
func (d *Driver) Step(ctx context.Context) (TickReport, error) {
	if !d.advancing.CompareAndSwap(false, true) {
		return TickReport{}, eris.Wrap(ErrAdvancing, "step called while advancing")
	}
	defer d.advancing.Store(false)
	if err := ctx.Err(); err != nil {
		return TickReport{}, eris.Wrap(err, "step canceled")
	}

	d.clockMu.Lock()
	tick := d.clock.next()
	d.clockMu.Unlock()
	return d.runTick(ctx, tick), nil
}

// Run advances the driver in real time until ctx is canceled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.TickDuration())
	defer ticker.Stop()

	d.logger.Info().Msg("simulation loop started")
	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			_, err := d.Advance(ctx, now.Sub(last))
			last = now
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return eris.Wrap(err, "failed to advance")
			}
		case <-ctx.Done():
			d.logger.Info().Msg("simulation loop stopped")
			return ctx.Err()
		}
	}
}

// runTick applies queued actions, runs every system in scheduled order and publishes the report.
// Must be called while advancing.
func (d *Driver) runTick(ctx context.Context, tick uint64) TickReport {
	assert.That(d.advancing.Load(), "tick run outside of advance")

	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "engine.tick", trace.WithAttributes(attribute.Int64("tick", int64(tick)))) //nolint:gosec // Tick counts stay far below MaxInt64
	defer span.End()

	if d.systems.Dirty() {
		d.order = d.systems.Order()
		d.logger.Info().Strs("order", d.order).Uint64("tick", tick).Msg("scheduled order computed")
	}

	envelopes := d.queue.Drain()
	d.record(tick, envelopes)
	report := TickReport{
		Tick:     tick,
		Outcomes: make([]action.Outcome, 0, len(envelopes)),
		Events:   []event.Emitted{},
		Faults:   []SystemFault{},
	}
	for _, env := range envelopes {
		outcome := d.actions.Apply(d.state, env)
		if !outcome.Applied {
			d.logger.Warn().
				Str("action", outcome.Kind).
				Str("issuer", outcome.Issuer).
				Str("id", outcome.ID.String()).
				Uint64("tick", tick).
				Str("reason", outcome.Reason).
				Msg("action rejected")
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	dt := d.options.tickDuration()
	d.state.BeginTick()
	for _, id := range d.order {
		events, fault := d.runSystem(ctx, id, tick, dt)
		if fault != nil {
			report.Faults = append(report.Faults, *fault)
			continue
		}
		for _, e := range events {
			report.Events = append(report.Events, event.Emitted{System: id, Event: e})
		}
	}
	d.state.EndTick()

	if d.options.StateHash {
		img := d.state.Snapshot()
		img.Tick = tick
		hash, err := snapshot.Hash(img)
		if err != nil {
			d.logger.Error().Err(err).Uint64("tick", tick).Msg("failed to hash state")
		}
		report.StateHash = hash
	}

	d.bus.Publish(report)

	span.SetAttributes(
		attribute.Int("actions", len(report.Outcomes)),
		attribute.Int("events", len(report.Events)),
		attribute.Int("faults", len(report.Faults)),
	)
	d.logger.Debug().
		Uint64("tick", tick).
		Int("actions", len(report.Outcomes)).
		Int("events", len(report.Events)).
		Int("faults", len(report.Faults)).
		Dur("duration", time.Since(start)).
		Msg("tick complete")
	return report
}

// runSystem runs one system update inside a checkpoint of its write tables. A failed update rolls
// the tables back and drops its events.
func (d *Driver) runSystem(ctx context.Context, id string, tick uint64, dt time.Duration) ([]Event, *SystemFault) {
	ctx, span := d.tracer.Start(ctx, "engine.system."+id)
	defer span.End()

	d.updatersMu.RLock()
	sys, ok := d.updaters[id]
	d.updatersMu.RUnlock()
	desc, _ := d.systems.Descriptor(id)
	assert.That(ok, "scheduled system is not registered")

	fail := func(err error) *SystemFault {
		fault := &SystemFault{SystemID: id, Tick: tick, Cause: err}
		d.logger.Warn().Str("system", id).Uint64("tick", tick).Err(err).Msg("system fault")
		span.RecordError(err)
		span.SetStatus(codes.Error, "system fault")
		d.tel.CaptureException(ctx, fault)
		return fault
	}

	cp, err := d.state.Checkpoint(desc.Writes...)
	if err != nil {
		return nil, fail(eris.Wrap(err, "failed to checkpoint write tables"))
	}

	logger := d.logger.With().Str("system", id).Uint64("tick", tick).Logger()
	sctx := newContext(ctx, d.state, d.queue, desc, tick, logger)
	events, err := update(sys, sctx, dt)
	sctx.release()

	if err != nil {
		if rbErr := cp.Rollback(); rbErr != nil {
			err = errors.Join(err, eris.Wrap(rbErr, "rollback failed"))
		}
		return nil, fail(err)
	}
	cp.Commit()
	return events, nil
}

// update calls the system and turns a panic into an error.
func update(sys System, ctx *Context, dt time.Duration) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = eris.Errorf("panic: %v", r)
		}
	}()
	return sys.Update(ctx, dt)
}

// record appends a drained batch to the journal.
func (d *Driver) record(tick uint64, envelopes []action.Envelope) {
	limit := d.options.JournalTicks
	if limit == 0 {
		return
	}
	d.journalMu.Lock()
	defer d.journalMu.Unlock()
	d.journal = append(d.journal, JournalEntry{Tick: tick, Actions: slices.Clone(envelopes)})
	if over := len(d.journal) - limit; over > 0 {
		d.journal = slices.Delete(d.journal, 0, over)
	}
}

// -------------------------------------------------------------------------------------------------
// Persistence
// -------------------------------------------------------------------------------------------------

// Image returns a deep copy of the state stamped with the current tick.
func (d *Driver) Image() (*state.Image, error) {
	if !d.advancing.CompareAndSwap(false, true) {
		return nil, eris.Wrap(ErrAdvancing, "cannot take an image while advancing")
	}
	defer d.advancing.Store(false)
	return d.image(), nil
}

func (d *Driver) image() *state.Image {
	img := d.state.Snapshot()
	d.clockMu.Lock()
	img.Tick = d.clock.Tick()
	d.clockMu.Unlock()
	return img
}

// Save encodes the state between ticks and stores it under name.
func (d *Driver) Save(ctx context.Context, storage snapshot.Storage, name string) error {
	if !d.advancing.CompareAndSwap(false, true) {
		return eris.Wrap(ErrAdvancing, "cannot save while advancing")
	}
	defer d.advancing.Store(false)

	ctx, span := d.tracer.Start(ctx, "engine.save")
	defer span.End()

	img := d.image()
	data, err := snapshot.Encode(img)
	if err != nil {
		return eris.Wrap(err, "failed to encode snapshot")
	}
	if err := storage.Store(ctx, name, data); err != nil {
		span.RecordError(err)
		return eris.Wrapf(err, "failed to store snapshot %q", name)
	}
	d.logger.Info().Str("name", name).Uint64("tick", img.Tick).Int("bytes", len(data)).Msg("save complete")
	return nil
}

// Load replaces the state with the save stored under name. The tick counter resumes from the save,
// accumulated time and the journal are cleared. Queued actions are kept.
func (d *Driver) Load(ctx context.Context, storage snapshot.Storage, name string) error {
	if !d.advancing.CompareAndSwap(false, true) {
		return eris.Wrap(ErrAdvancing, "cannot load while advancing")
	}
	defer d.advancing.Store(false)

	ctx, span := d.tracer.Start(ctx, "engine.load")
	defer span.End()

	data, err := storage.Load(ctx, name)
	if err != nil {
		return eris.Wrapf(err, "failed to load snapshot %q", name)
	}
	img, err := snapshot.Decode(data)
	if err != nil {
		return eris.Wrapf(err, "failed to decode snapshot %q", name)
	}
	if err := d.compatible(img); err != nil {
		return eris.Wrapf(err, "cannot load snapshot %q", name)
	}
	if err := d.restore(img); err != nil {
		return err
	}
	d.logger.Info().Str("name", name).Uint64("tick", img.Tick).Msg("load complete")
	return nil
}

// compatible checks that img holds every table of the running game with the same schema, and every
// table a registered system declares.
func (d *Driver) compatible(img *state.Image) error {
	for _, name := range d.state.Tables() {
		schema, err := d.state.Schema(name)
		if err != nil {
			return err
		}
		ti, ok := img.Table(name)
		if !ok {
			return eris.Wrapf(snapshot.ErrIncompatibleSnapshot, "table %q is missing", name)
		}
		if !ti.Schema.Equal(schema) {
			return eris.Wrapf(snapshot.ErrIncompatibleSnapshot, "table %q has a different schema", name)
		}
	}

	d.updatersMu.RLock()
	defer d.updatersMu.RUnlock()
	for id := range d.updaters {
		desc, _ := d.systems.Descriptor(id)
		for _, name := range desc.Tables() {
			if _, ok := img.Table(name); !ok {
				return eris.Wrapf(snapshot.ErrIncompatibleSnapshot, "table %q of system %s is missing", name, id)
			}
		}
	}
	return nil
}

func (d *Driver) restore(img *state.Image) error {
	if err := d.state.Restore(img); err != nil {
		return eris.Wrap(err, "failed to restore state")
	}
	d.clockMu.Lock()
	d.clock.reset(img.Tick)
	d.clockMu.Unlock()
	d.journalMu.Lock()
	d.journal = nil
	d.journalMu.Unlock()
	return nil
}

// Replay restores img and re-runs the recorded batches on top of it, one tick per entry. Entries
// must continue the image's tick without gaps. Actions queued before the call are held back and
// requeued afterwards.
func (d *Driver) Replay(ctx context.Context, img *state.Image, entries []JournalEntry) ([]TickReport, error) {
	if img == nil {
		return nil, eris.New("image cannot be nil")
	}
	for i, e := range entries {
		if want := img.Tick + uint64(i) + 1; e.Tick != want { //nolint:gosec // Index is non-negative
			return nil, eris.Errorf("journal entry %d is for tick %d, expected %d", i, e.Tick, want)
		}
	}
	if !d.advancing.CompareAndSwap(false, true) {
		return nil, eris.Wrap(ErrAdvancing, "cannot replay while advancing")
	}
	defer d.advancing.Store(false)

	if err := d.compatible(img); err != nil {
		return nil, eris.Wrap(err, "cannot replay image")
	}
	if err := d.restore(img); err != nil {
		return nil, err
	}

	pending := d.queue.Drain()
	defer func() {
		if err := d.queue.Restore(pending); err != nil {
			d.logger.Error().Err(err).Msg("failed to requeue pending actions after replay")
		}
	}()

	reports := make([]TickReport, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return reports, eris.Wrap(err, "replay stopped")
		}
		if err := d.queue.Restore(e.Actions); err != nil {
			return reports, eris.Wrapf(err, "invalid journal entry for tick %d", e.Tick)
		}
		d.clockMu.Lock()
		tick := d.clock.next()
		d.clockMu.Unlock()
		reports = append(reports, d.runTick(ctx, tick))
	}
	return reports, nil
}

// Close stops delivering tick reports to subscribers.
func (d *Driver) Close() {
	d.bus.Close()
}
