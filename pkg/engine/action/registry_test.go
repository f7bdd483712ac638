package action_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/openpower/engine/pkg/engine/action"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/openpower/engine/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setTax struct {
	Country string
	Rate    float64
}

func (setTax) Name() string { return "set_tax" }

// setTaxHandler writes the rate and then rejects unknown countries, so a rejection must undo a
// partial write to prove rollback.
func setTaxHandler(gs *state.GameState, _ string, a setTax) error {
	w, err := gs.Write("countries")
	if err != nil {
		return err
	}
	defer w.Release()

	rates, err := w.Float64s("tax_rate")
	if err != nil {
		return err
	}
	rates.Set(0, -1) // Partial write that must never be observed
	row, ok, err := w.FindRow("id", a.Country)
	if err != nil {
		return err
	}
	if !ok {
		return action.Rejectf("country %s doesn't exist", a.Country)
	}
	if a.Country == "PANIC" {
		panic("handler bug")
	}
	rates.Set(0, 0.2)
	rates.Set(row, a.Rate)
	return nil
}

func newTaxFixture(t *testing.T) (*action.Registry, *state.GameState) {
	t.Helper()
	reg := action.NewRegistry()
	require.NoError(t, action.Register(reg, setTaxHandler, action.WithGuard("Rate >= 0 && Rate <= 1")))

	gs := state.New()
	require.NoError(t, gs.CreateTable("countries", state.Schema{
		{Name: "id", Type: state.TypeString},
		{Name: "tax_rate", Type: state.TypeFloat64},
	}))
	require.NoError(t, gs.InsertRows("countries", []state.Row{
		{"id": "FRA", "tax_rate": 0.2},
		{"id": "GER", "tax_rate": 0.2},
		{"id": "PANIC", "tax_rate": 0.2},
	}))
	return reg, gs
}

func taxOf(t *testing.T, gs *state.GameState, row int) float64 {
	t.Helper()
	r, err := gs.Read("countries")
	require.NoError(t, err)
	defer r.Release()
	v, err := r.Value(row, "tax_rate")
	require.NoError(t, err)
	return v.(float64)
}

func envelope(issuer string, a action.Action) action.Envelope {
	return action.Envelope{ID: uuid.New(), Issuer: issuer, Payload: a}
}

func TestRegistry_Apply(t *testing.T) {
	t.Parallel()

	t.Run("applied", func(t *testing.T) {
		t.Parallel()
		reg, gs := newTaxFixture(t)
		env := envelope("GER", setTax{Country: "GER", Rate: 0.4})
		outcome := reg.Apply(gs, env)

		assert.True(t, outcome.Applied)
		assert.Equal(t, env.ID, outcome.ID)
		assert.Equal(t, "set_tax", outcome.Kind)
		assert.Equal(t, "GER", outcome.Issuer)
		assert.Empty(t, outcome.Reason)
		assert.InDelta(t, 0.4, taxOf(t, gs, 1), 0)
		assert.InDelta(t, 0.2, taxOf(t, gs, 0), 0)
	})

	t.Run("guard rejects out of range rate", func(t *testing.T) {
		t.Parallel()
		reg, gs := newTaxFixture(t)
		outcome := reg.Apply(gs, envelope("GER", setTax{Country: "GER", Rate: 1.7}))

		assert.False(t, outcome.Applied)
		assert.Contains(t, outcome.Reason, "Rate >= 0 && Rate <= 1")
		assert.InDelta(t, 0.2, taxOf(t, gs, 1), 0)
	})

	t.Run("rejection rolls back partial writes", func(t *testing.T) {
		t.Parallel()
		reg, gs := newTaxFixture(t)
		outcome := reg.Apply(gs, envelope("ESP", setTax{Country: "ESP", Rate: 0.5}))

		assert.False(t, outcome.Applied)
		assert.Equal(t, "country ESP doesn't exist", outcome.Reason)
		assert.InDelta(t, 0.2, taxOf(t, gs, 0), 0, "partial write leaked")
	})

	t.Run("panic rolls back partial writes", func(t *testing.T) {
		t.Parallel()
		reg, gs := newTaxFixture(t)
		outcome := reg.Apply(gs, envelope("PANIC", setTax{Country: "PANIC", Rate: 0.5}))

		assert.False(t, outcome.Applied)
		assert.Contains(t, outcome.Reason, "panicked")
		assert.InDelta(t, 0.2, taxOf(t, gs, 0), 0, "partial write leaked")
	})

	t.Run("unknown kind", func(t *testing.T) {
		t.Parallel()
		reg, gs := newTaxFixture(t)
		outcome := reg.Apply(gs, envelope("FRA", testutils.ActionA{Value: 1}))
		assert.False(t, outcome.Applied)
	})
}

func TestRegister(t *testing.T) {
	t.Parallel()

	t.Run("duplicate kind", func(t *testing.T) {
		t.Parallel()
		reg := action.NewRegistry()
		require.NoError(t, action.Register(reg, noop[testutils.ActionA]))
		require.Error(t, action.Register(reg, noop[testutils.ActionA]))
	})

	t.Run("bad guard", func(t *testing.T) {
		t.Parallel()
		reg := action.NewRegistry()
		require.Error(t, action.Register(reg, noop[setTax], action.WithGuard("Rate >=")))
		require.Error(t, action.Register(reg, noop[setTax], action.WithGuard("Missing > 1")))
		require.Error(t, action.Register(reg, noop[setTax], action.WithGuard("Rate + 1")), "guard must be boolean")
		assert.Empty(t, reg.Kinds())
	})

	t.Run("nil handler", func(t *testing.T) {
		t.Parallel()
		reg := action.NewRegistry()
		require.Error(t, action.Register[setTax](reg, nil))
	})

	t.Run("kinds and guards", func(t *testing.T) {
		t.Parallel()
		reg := action.NewRegistry()
		require.NoError(t, action.Register(reg, noop[testutils.ActionB]))
		require.NoError(t, action.Register(reg, noop[setTax], action.WithGuard("Rate <= 1")))
		assert.Equal(t, []string{"action_b", "set_tax"}, reg.Kinds())
		assert.Equal(t, []string{"Rate <= 1"}, reg.Guards("set_tax"))
	})
}
