package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openpower/engine/pkg/engine"
	"github.com/openpower/engine/pkg/engine/action"
	"github.com/openpower/engine/pkg/engine/scheduler"
	"github.com/openpower/engine/pkg/engine/snapshot"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/openpower/engine/pkg/testutils"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSystem is a System built from a function.
type testSystem struct {
	id     string
	reads  []string
	writes []string
	after  []string
	update func(ctx *engine.Context, dt time.Duration) ([]engine.Event, error)
}

func (s *testSystem) ID() string       { return s.id }
func (s *testSystem) Reads() []string  { return s.reads }
func (s *testSystem) Writes() []string { return s.writes }
func (s *testSystem) After() []string  { return s.after }

func (s *testSystem) Update(ctx *engine.Context, dt time.Duration) ([]engine.Event, error) {
	if s.update == nil {
		return nil, nil
	}
	return s.update(ctx, dt)
}

type setTax struct {
	Country string
	Rate    float64
}

func (setTax) Name() string { return "set_tax" }

func setTaxHandler(gs *state.GameState, _ string, a setTax) error {
	w, err := gs.Write("countries")
	if err != nil {
		return err
	}
	defer w.Release()
	row, ok, err := w.FindRow("id", a.Country)
	if err != nil {
		return err
	}
	if !ok {
		return action.Rejectf("country %s doesn't exist", a.Country)
	}
	return w.SetValue(row, "tax_rate", a.Rate)
}

// payTaxes adds tax_rate * 100 to every country's balance once per tick.
func payTaxes() *testSystem {
	return &testSystem{
		id:     "economy",
		writes: []string{"countries"},
		update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
			w, err := ctx.Write("countries")
			if err != nil {
				return nil, err
			}
			rates, err := w.Float64s("tax_rate")
			if err != nil {
				return nil, err
			}
			balances, err := w.Float64s("money_balance")
			if err != nil {
				return nil, err
			}
			for i := range w.Len() {
				balances.Set(i, balances.Get(i)+rates.Get(i)*100)
			}
			return []engine.Event{testutils.EventA{Tick: ctx.Tick()}}, nil
		},
	}
}

func newDriver(t *testing.T, opts engine.Options) *engine.Driver {
	t.Helper()
	if opts.TickRate == 0 {
		opts.TickRate = 10
	}
	d, err := engine.New(opts)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	gs := d.State()
	require.NoError(t, gs.CreateTable("countries", state.Schema{
		{Name: "id", Type: state.TypeString},
		{Name: "tax_rate", Type: state.TypeFloat64},
		{Name: "money_balance", Type: state.TypeFloat64},
	}))
	require.NoError(t, gs.InsertRows("countries", []state.Row{
		{"id": "FRA", "tax_rate": 0.2, "money_balance": 1000.0},
		{"id": "GER", "tax_rate": 0.3, "money_balance": 800.0},
	}))
	require.NoError(t, gs.CreateTable("regions", state.Schema{
		{Name: "id", Type: state.TypeInt64},
		{Name: "owner", Type: state.TypeString},
		{Name: "population", Type: state.TypeInt64},
	}))
	require.NoError(t, gs.InsertRows("regions", []state.Row{
		{"id": 1, "owner": "FRA", "population": 100},
		{"id": 2, "owner": "GER", "population": 200},
	}))
	require.NoError(t, action.Register(d.Actions(), setTaxHandler, action.WithGuard("Rate >= 0 && Rate <= 1")))
	return d
}

func float64At(t *testing.T, gs *state.GameState, table, col string, row int) float64 {
	t.Helper()
	r, err := gs.Read(table)
	require.NoError(t, err)
	defer r.Release()
	v, err := r.Value(row, col)
	require.NoError(t, err)
	return v.(float64)
}

func int64At(t *testing.T, gs *state.GameState, table, col string, row int) int64 {
	t.Helper()
	r, err := gs.Read(table)
	require.NoError(t, err)
	defer r.Release()
	v, err := r.Value(row, col)
	require.NoError(t, err)
	return v.(int64)
}

// -------------------------------------------------------------------------------------------------
// Clock
// -------------------------------------------------------------------------------------------------

func TestAdvance_FixedSteps(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{TickRate: 10})
	var dts []time.Duration
	require.NoError(t, d.RegisterSystems(&testSystem{
		id: "recorder",
		update: func(_ *engine.Context, dt time.Duration) ([]engine.Event, error) {
			dts = append(dts, dt)
			return nil, nil
		},
	}))

	ran, err := d.Advance(context.Background(), 350*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, ran)
	assert.Equal(t, uint64(3), d.Tick())
	assert.Equal(t, 50*time.Millisecond, d.Accumulated())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, dts)

	ran, err = d.Advance(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, time.Duration(0), d.Accumulated())

	_, err = d.Advance(context.Background(), -time.Second)
	require.Error(t, err)
}

func TestAdvance_ManySmallSteps(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{TickRate: 50})
	total := 0
	for range 600 {
		ran, err := d.Advance(context.Background(), d.TickDuration()/4)
		require.NoError(t, err)
		total += ran
	}
	assert.Equal(t, 150, total)
	assert.Equal(t, time.Duration(0), d.Accumulated())
}

func TestAdvance_TimeScale(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{TickRate: 10})
	ctx := context.Background()

	require.NoError(t, d.SetTimeScale(2))
	ran, err := d.Advance(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)

	require.NoError(t, d.SetTimeScale(0.5))
	ran, err = d.Advance(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 50*time.Millisecond, d.Accumulated())

	// Paused: time doesn't accumulate but Step still runs a tick.
	require.NoError(t, d.SetTimeScale(0))
	ran, err = d.Advance(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
	assert.Equal(t, 50*time.Millisecond, d.Accumulated())

	report, err := d.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), report.Tick)

	require.Error(t, d.SetTimeScale(-1))
	assert.InDelta(t, 0.0, d.TimeScale(), 1e-9)
}

func TestAdvance_CanceledContext(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{TickRate: 10})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	require.NoError(t, d.RegisterSystems(&testSystem{
		id: "stopper",
		update: func(*engine.Context, time.Duration) ([]engine.Event, error) {
			calls++
			cancel() // Takes effect before the next tick, never mid-tick
			return nil, nil
		},
	}))

	ran, err := d.Advance(ctx, 300*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), d.Tick())
	assert.Equal(t, 200*time.Millisecond, d.Accumulated())
}

func TestAdvance_Reentrant(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	storage := snapshot.NewNopStorage()
	var errs []error
	require.NoError(t, d.RegisterSystems(&testSystem{
		id: "reentrant",
		update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
			_, err := d.Advance(ctx.Context(), time.Second)
			errs = append(errs, err)
			_, err = d.Step(ctx.Context())
			errs = append(errs, err)
			errs = append(errs, d.Save(ctx.Context(), storage, "x"))
			errs = append(errs, d.Load(ctx.Context(), storage, "x"))
			_, err = d.Image()
			errs = append(errs, err)
			return nil, nil
		},
	}))

	report, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Faults)
	require.Len(t, errs, 5)
	for _, err := range errs {
		assert.ErrorIs(t, err, engine.ErrAdvancing)
	}

	// The guard is released after the tick.
	_, err = d.Advance(context.Background(), 0)
	require.NoError(t, err)
}

// -------------------------------------------------------------------------------------------------
// Actions and systems
// -------------------------------------------------------------------------------------------------

func TestTick_SetTax(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	_, err := d.Queue().Enqueue("player", setTax{Country: "FRA", Rate: 0.4})
	require.NoError(t, err)
	_, err = d.Queue().Enqueue("player", setTax{Country: "FRA", Rate: 1.7})
	require.NoError(t, err)
	_, err = d.Queue().EnqueueJSON("set_tax", "player", []byte(`{"Country":"XXX","Rate":0.5}`))
	require.NoError(t, err)

	report, err := d.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)
	assert.True(t, report.Outcomes[0].Applied)
	assert.False(t, report.Outcomes[1].Applied)
	assert.Contains(t, report.Outcomes[1].Reason, "Rate >= 0 && Rate <= 1")
	assert.False(t, report.Outcomes[2].Applied)
	assert.Contains(t, report.Outcomes[2].Reason, "XXX")

	assert.InDelta(t, 0.4, float64At(t, d.State(), "countries", "tax_rate", 0), 1e-9)
	assert.Equal(t, 0, d.Queue().Len())
}

func TestTick_ActionsBeforeSystems(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	require.NoError(t, d.RegisterSystems(payTaxes()))
	_, err := d.Queue().Enqueue("player", setTax{Country: "FRA", Rate: 0.5})
	require.NoError(t, err)

	report, err := d.Step(context.Background())
	require.NoError(t, err)
	// The economy already sees the new rate in the tick the action was applied.
	assert.InDelta(t, 1050.0, float64At(t, d.State(), "countries", "money_balance", 0), 1e-9)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "economy", report.Events[0].System)
	assert.Equal(t, testutils.EventA{Tick: 1}, report.Events[0].Event)
}

func TestTick_SystemsObserveEarlierWrites(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	var seen []int64
	require.NoError(t, d.RegisterSystems(
		&testSystem{
			id:     "b",
			reads:  []string{"regions"},
			after:  []string{"a"},
			update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
				r, err := ctx.Read("regions")
				if err != nil {
					return nil, err
				}
				v, err := r.Value(0, "population")
				if err != nil {
					return nil, err
				}
				seen = append(seen, v.(int64))
				return nil, nil
			},
		},
		&testSystem{
			id:     "a",
			writes: []string{"regions"},
			update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
				w, err := ctx.Write("regions")
				if err != nil {
					return nil, err
				}
				pop, err := w.Int64s("population")
				if err != nil {
					return nil, err
				}
				pop.Set(0, pop.Get(0)+1)
				return nil, nil
			},
		},
	))

	for range 3 {
		_, err := d.Step(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{101, 102, 103}, seen)
}

func TestTick_SystemFaultRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		fail  func() error
		cause string
	}{
		{name: "error", fail: func() error { return eris.New("regions on fire") }, cause: "regions on fire"},
		{name: "panic", fail: func() error { panic("index out of range") }, cause: "index out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := newDriver(t, engine.Options{})
			var lastRan []string
			require.NoError(t, d.RegisterSystems(
				payTaxes(),
				&testSystem{
					id:     "territory",
					reads:  []string{"countries"},
					writes: []string{"regions"},
					after:  []string{"economy"},
					update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
						w, err := ctx.Write("regions")
						if err != nil {
							return nil, err
						}
						require.NoError(t, w.SetValue(0, "owner", "GER"))
						require.NoError(t, w.SetValue(1, "population", int64(0)))
						return []engine.Event{testutils.EventB{Source: "territory"}}, tt.fail()
					},
				},
				&testSystem{
					id:    "report",
					reads: []string{"regions"},
					after: []string{"territory"},
					update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
						r, err := ctx.Read("regions")
						if err != nil {
							return nil, err
						}
						owner, err := r.Value(0, "owner")
						if err != nil {
							return nil, err
						}
						lastRan = append(lastRan, owner.(string))
						return []engine.Event{testutils.EventB{Source: "report"}}, nil
					},
				},
			))

			report, err := d.Step(context.Background())
			require.NoError(t, err)

			require.Len(t, report.Faults, 1)
			fault := report.Faults[0]
			assert.Equal(t, "territory", fault.SystemID)
			assert.Equal(t, uint64(1), fault.Tick)
			assert.ErrorIs(t, &fault, engine.ErrSystemFault)
			assert.Contains(t, fault.Error(), tt.cause)

			// The faulting system's writes are rolled back, everything else persists.
			assert.Equal(t, int64(200), int64At(t, d.State(), "regions", "population", 1))
			assert.InDelta(t, 1020.0, float64At(t, d.State(), "countries", "money_balance", 0), 1e-9)

			// Later systems still run and see the rolled back values. Only the fault's events are dropped.
			assert.Equal(t, []string{"FRA"}, lastRan)
			require.Len(t, report.Events, 2)
			assert.Equal(t, "economy", report.Events[0].System)
			assert.Equal(t, "report", report.Events[1].System)

			// The driver keeps going.
			_, err = d.Step(context.Background())
			require.NoError(t, err)
			assert.InDelta(t, 1040.0, float64At(t, d.State(), "countries", "money_balance", 0), 1e-9)
		})
	}
}

func TestTick_UndeclaredAccessFaults(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	require.NoError(t, d.RegisterSystems(&testSystem{
		id:    "sneaky",
		reads: []string{"countries"},
		update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
			if _, err := ctx.Write("countries"); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}))

	report, err := d.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Faults, 1)
	assert.ErrorIs(t, &report.Faults[0], engine.ErrUndeclaredAccess)
}

func TestTick_StructuralChangesDeferredToActions(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	var insertErr error
	require.NoError(t, d.RegisterSystems(&testSystem{
		id:     "spawner",
		writes: []string{"regions"},
		update: func(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
			insertErr = d.State().InsertRows("regions", []state.Row{{"id": 3, "owner": "ITA", "population": 1}})
			return nil, ctx.Enqueue("system", setTax{Country: "GER", Rate: 0.9})
		},
	}))

	report, err := d.Step(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, insertErr, state.ErrStateMutationConflict)
	assert.Empty(t, report.Outcomes)
	assert.Equal(t, 1, d.Queue().Len())

	report, err = d.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.True(t, report.Outcomes[0].Applied)
	assert.InDelta(t, 0.9, float64At(t, d.State(), "countries", "tax_rate", 1), 1e-9)
}

// -------------------------------------------------------------------------------------------------
// Registration
// -------------------------------------------------------------------------------------------------

func TestRegisterSystems(t *testing.T) {
	t.Parallel()

	t.Run("unordered writers are rejected before any tick", func(t *testing.T) {
		t.Parallel()
		d := newDriver(t, engine.Options{})
		err := d.RegisterSystems(
			&testSystem{id: "conquest", writes: []string{"regions"}},
			&testSystem{id: "revolt", writes: []string{"regions"}},
		)
		require.ErrorIs(t, err, scheduler.ErrAmbiguousWriteConflict)
		var conflict *scheduler.WriteConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "regions", conflict.Table)
		assert.Equal(t, [2]string{"conquest", "revolt"}, conflict.Systems)
		assert.Equal(t, uint64(0), d.Tick())

		order, err := d.Order()
		require.NoError(t, err)
		assert.Empty(t, order)
	})

	t.Run("unknown table", func(t *testing.T) {
		t.Parallel()
		d := newDriver(t, engine.Options{})
		err := d.RegisterSystems(&testSystem{id: "x", reads: []string{"provinces"}})
		require.ErrorIs(t, err, state.ErrTableNotFound)
	})

	t.Run("registering mid tick takes effect next tick", func(t *testing.T) {
		t.Parallel()
		d := newDriver(t, engine.Options{})
		late := 0
		registered := false
		require.NoError(t, d.RegisterSystems(&testSystem{
			id: "early",
			update: func(*engine.Context, time.Duration) ([]engine.Event, error) {
				if !registered {
					registered = true
					return nil, d.RegisterSystems(&testSystem{
						id: "late",
						update: func(*engine.Context, time.Duration) ([]engine.Event, error) {
							late++
							return nil, nil
						},
					})
				}
				return nil, nil
			},
		}))

		_, err := d.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, late)
		_, err = d.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, late)

		order, err := d.Order()
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "late"}, order)
	})
}

// -------------------------------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------------------------------

func TestSubscribe(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{})
	require.NoError(t, d.RegisterSystems(payTaxes()))
	sub := d.Subscribe(8)

	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})
	d.SubscribeFunc(8, func(r engine.TickReport) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Tick)
		if len(seen) == 3 {
			close(done)
		}
	})

	_, err := d.Advance(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)

	for want := uint64(1); want <= 3; want++ {
		select {
		case r := <-sub.C:
			assert.Equal(t, want, r.Tick)
			require.Len(t, r.Events, 1)
		case <-time.After(time.Second):
			t.Fatalf("tick report %d not delivered", want)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber func not called")
	}
	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, seen)
	mu.Unlock()
}

// -------------------------------------------------------------------------------------------------
// Persistence and replay
// -------------------------------------------------------------------------------------------------

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := newDriver(t, engine.Options{})
	require.NoError(t, d.RegisterSystems(payTaxes()))
	require.NoError(t, d.State().Globals().Set("date", "1936-01-01"))
	for range 5 {
		_, err := d.Step(ctx)
		require.NoError(t, err)
	}

	storage, err := snapshot.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Save(ctx, storage, "campaign"))
	saved := float64At(t, d.State(), "countries", "money_balance", 0)

	for range 5 {
		_, err := d.Step(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, d.State().Globals().Set("date", "1999-12-31"))
	assert.Equal(t, uint64(10), d.Tick())

	require.NoError(t, d.Load(ctx, storage, "campaign"))
	assert.Equal(t, uint64(5), d.Tick())
	assert.InDelta(t, saved, float64At(t, d.State(), "countries", "money_balance", 0), 1e-9)
	date, ok := state.Global[string](d.State().Globals(), "date")
	require.True(t, ok)
	assert.Equal(t, "1936-01-01", date)

	report, err := d.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), report.Tick)

	err = d.Load(ctx, storage, "missing")
	require.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestLoad_IncompatibleSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := newDriver(t, engine.Options{})
	require.NoError(t, d.RegisterSystems(payTaxes()))
	storage, err := snapshot.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	current, err := d.Image()
	require.NoError(t, err)
	store := func(name string, img *state.Image) {
		data, err := snapshot.Encode(img)
		require.NoError(t, err)
		require.NoError(t, storage.Store(ctx, name, data))
	}

	// Same table names, different columns.
	store("schema", &state.Image{
		Tick: 42,
		Tables: []state.TableImage{
			{Name: "countries", Schema: state.Schema{{Name: "id", Type: state.TypeInt64}}, Columns: []any{[]int64{1}}},
			current.Tables[1],
		},
	})
	// Regions is missing.
	store("missing", &state.Image{Tick: 42, Tables: current.Tables[:1]})

	for _, name := range []string{"schema", "missing"} {
		err := d.Load(ctx, storage, name)
		require.ErrorIs(t, err, snapshot.ErrIncompatibleSnapshot, name)
	}
	assert.Equal(t, uint64(0), d.Tick())
	assert.InDelta(t, 1000.0, float64At(t, d.State(), "countries", "money_balance", 0), 0)

	report, err := d.Step(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Faults)

	// A game with a table the image lacks, used by one of its systems, can't load it either.
	other := newDriver(t, engine.Options{})
	require.NoError(t, other.State().CreateTable("armies", state.Schema{{Name: "size", Type: state.TypeInt64}}))
	require.NoError(t, other.RegisterSystems(&testSystem{id: "army", reads: []string{"armies"}}))
	store("no-armies", current)
	err = other.Load(ctx, storage, "no-armies")
	require.ErrorIs(t, err, snapshot.ErrIncompatibleSnapshot)
}

func TestReplay_Deterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rng := testutils.NewRand(t)

	opts := engine.Options{StateHash: true, JournalTicks: 100}
	live := newDriver(t, opts)
	require.NoError(t, live.RegisterSystems(payTaxes()))
	start, err := live.Image()
	require.NoError(t, err)

	var last engine.TickReport
	countries := []string{"FRA", "GER", "ITA"}
	for range 40 {
		for range rng.IntN(3) {
			_, err := live.Queue().Enqueue("player", setTax{
				Country: countries[rng.IntN(len(countries))],
				Rate:    rng.Float64() * 1.2, // Some are out of range and rejected
			})
			require.NoError(t, err)
		}
		last, err = live.Step(ctx)
		require.NoError(t, err)
		require.Len(t, last.StateHash, 32)
	}
	journal := live.Journal()
	require.Len(t, journal, 40)

	replica := newDriver(t, opts)
	require.NoError(t, replica.RegisterSystems(payTaxes()))
	reports, err := replica.Replay(ctx, start, journal)
	require.NoError(t, err)
	require.Len(t, reports, 40)
	assert.Equal(t, last.StateHash, reports[39].StateHash)
	assert.Equal(t, live.Tick(), replica.Tick())

	// Journal entries must continue the image.
	_, err = replica.Replay(ctx, start, journal[1:])
	require.Error(t, err)
}

func TestJournal_Bounded(t *testing.T) {
	t.Parallel()

	d := newDriver(t, engine.Options{JournalTicks: 3})
	for range 5 {
		_, err := d.Step(context.Background())
		require.NoError(t, err)
	}
	journal := d.Journal()
	require.Len(t, journal, 3)
	assert.Equal(t, uint64(3), journal[0].Tick)
	assert.Equal(t, uint64(5), journal[2].Tick)
}
