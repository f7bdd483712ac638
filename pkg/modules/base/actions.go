package base

import (
	"errors"
	"math"
	"strconv"

	"github.com/openpower/engine/pkg/engine/action"
	"github.com/openpower/engine/pkg/engine/state"
)

const (
	// UnitCost is the price of one military unit.
	UnitCost = 1_000_000

	// MaxUnitOrder is the largest Count a single BuildUnit can ask for.
	MaxUnitOrder = math.MaxInt64 / UnitCost
)

// -------------------------------------------------------------------------------------------------
// Economy
// -------------------------------------------------------------------------------------------------

// SetTax changes a country's tax rate.
type SetTax struct {
	Country string  `json:"country" jsonschema:"minLength=1"`
	Rate    float64 `json:"rate"`
}

func (SetTax) Name() string { return "set_tax" }

func setTax(gs *state.GameState, _ string, a SetTax) error {
	return withRow(gs, TableCountries, "id", a.Country, func(w *state.WriteView, row int) error {
		return w.SetValue(row, "tax_rate", a.Rate)
	})
}

// -------------------------------------------------------------------------------------------------
// Territory
// -------------------------------------------------------------------------------------------------

// SetRegionOwner transfers a region to another country, which also takes control of it.
type SetRegionOwner struct {
	Region int64  `json:"region"`
	Owner  string `json:"owner" jsonschema:"minLength=1"`
}

func (SetRegionOwner) Name() string { return "set_region_owner" }

func setRegionOwner(gs *state.GameState, _ string, a SetRegionOwner) error {
	if err := requireCountry(gs, a.Owner); err != nil {
		return err
	}
	return withRow(gs, TableRegions, "id", a.Region, func(w *state.WriteView, row int) error {
		if err := w.SetValue(row, "owner", a.Owner); err != nil {
			return err
		}
		return w.SetValue(row, "controller", a.Owner)
	})
}

// OccupyRegion hands control of a region to another country without changing its owner.
type OccupyRegion struct {
	Region     int64  `json:"region"`
	Controller string `json:"controller" jsonschema:"minLength=1"`
}

func (OccupyRegion) Name() string { return "occupy_region" }

func occupyRegion(gs *state.GameState, _ string, a OccupyRegion) error {
	if err := requireCountry(gs, a.Controller); err != nil {
		return err
	}
	return withRow(gs, TableRegions, "id", a.Region, func(w *state.WriteView, row int) error {
		return w.SetValue(row, "controller", a.Controller)
	})
}

// -------------------------------------------------------------------------------------------------
// Military
// -------------------------------------------------------------------------------------------------

// BuildUnit buys Count military units for a country at UnitCost each.
type BuildUnit struct {
	Country string `json:"country" jsonschema:"minLength=1"`
	Count   int64  `json:"count"`
}

func (BuildUnit) Name() string { return "build_unit" }

func buildUnit(gs *state.GameState, _ string, a BuildUnit) error {
	return withRow(gs, TableCountries, "id", a.Country, func(w *state.WriteView, row int) error {
		balances, err := w.Float64s("money_balance")
		if err != nil {
			return err
		}
		units, err := w.Int64s("military_count")
		if err != nil {
			return err
		}
		if a.Count > math.MaxInt64-units.Get(row) {
			return action.Rejectf("%s can't field %d more units", a.Country, a.Count)
		}
		cost := float64(UnitCost) * float64(a.Count)
		if balances.Get(row) < cost {
			return action.Rejectf("%s can't afford %d units", a.Country, a.Count)
		}
		balances.Set(row, balances.Get(row)-cost)
		units.Set(row, units.Get(row)+a.Count)
		return nil
	})
}

// -------------------------------------------------------------------------------------------------
// Game speed
// -------------------------------------------------------------------------------------------------

// SetGameSpeed selects one of the speed levels, from 1 (slowest) to 5.
type SetGameSpeed struct {
	Level int64 `json:"level"`
}

func (SetGameSpeed) Name() string { return "set_game_speed" }

func setGameSpeed(gs *state.GameState, _ string, a SetGameSpeed) error {
	w, err := gs.Write(TableCalendar)
	if err != nil {
		return err
	}
	defer w.Release()
	if err := w.SetValue(0, "speed", a.Level); err != nil {
		return err
	}
	return gs.Globals().Set("game_speed", a.Level)
}

// SetPaused stops or resumes the calendar.
type SetPaused struct {
	Paused bool `json:"paused"`
}

func (SetPaused) Name() string { return "set_paused" }

func setPaused(gs *state.GameState, _ string, a SetPaused) error {
	w, err := gs.Write(TableCalendar)
	if err != nil {
		return err
	}
	defer w.Release()
	return w.SetValue(0, "paused", a.Paused)
}

// registerActions registers every action kind of the module.
func registerActions(r *action.Registry) error {
	return errors.Join(
		action.Register(r, setTax, action.WithGuard("Rate >= 0 && Rate <= 1")),
		action.Register(r, setRegionOwner),
		action.Register(r, occupyRegion),
		action.Register(r, buildUnit, action.WithGuard("Count >= 1 && Count <= "+strconv.FormatInt(MaxUnitOrder, 10))),
		action.Register(r, setGameSpeed, action.WithGuard("Level >= 1 && Level <= 5")),
		action.Register(r, setPaused),
	)
}

// withRow opens table for writing and calls fn with the first row whose col equals key. A missing
// row rejects the action.
func withRow(
	gs *state.GameState, table, col string, key any, fn func(w *state.WriteView, row int) error,
) error {
	w, err := gs.Write(table)
	if err != nil {
		return err
	}
	defer w.Release()
	row, ok, err := w.FindRow(col, key)
	if err != nil {
		return err
	}
	if !ok {
		return action.Rejectf("%s %v doesn't exist", table, key)
	}
	return fn(w, row)
}

func requireCountry(gs *state.GameState, id string) error {
	r, err := gs.Read(TableCountries)
	if err != nil {
		return err
	}
	defer r.Release()
	_, ok, err := r.FindRow("id", id)
	if err != nil {
		return err
	}
	if !ok {
		return action.Rejectf("country %s doesn't exist", id)
	}
	return nil
}
