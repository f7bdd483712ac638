package base

import (
	_ "embed"
	"os"

	"github.com/goccy/go-json"
	"github.com/openpower/engine/pkg/engine"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/rotisserie/eris"
)

//go:embed scenario.json
var defaultScenario []byte

// Systems returns the systems of the module.
func Systems() []engine.System {
	return []engine.System{TimeSystem{}, EconomySystem{}, TerritorySystem{}}
}

// Install creates the module's tables, registers its action kinds and its systems. Existing tables
// are kept, so Install can run on a state that was already populated.
func Install(d *engine.Driver) error {
	gs := d.State()
	for _, t := range []struct {
		name   string
		schema state.Schema
	}{
		{TableCountries, countriesSchema},
		{TableRegions, regionsSchema},
		{TableCalendar, calendarSchema},
	} {
		if gs.HasTable(t.name) {
			continue
		}
		if err := gs.CreateTable(t.name, t.schema); err != nil {
			return eris.Wrapf(err, "failed to create table %s", t.name)
		}
	}
	if err := ensureCalendar(gs); err != nil {
		return err
	}
	if err := registerActions(d.Actions()); err != nil {
		return eris.Wrap(err, "failed to register base actions")
	}
	if err := d.RegisterSystems(Systems()...); err != nil {
		return eris.Wrap(err, "failed to register base systems")
	}
	return nil
}

func ensureCalendar(gs *state.GameState) error {
	r, err := gs.Read(TableCalendar)
	if err != nil {
		return err
	}
	n := r.Len()
	r.Release()
	if n > 0 {
		return nil
	}
	if err := gs.InsertRows(TableCalendar, []state.Row{calendarRow(0, DefaultSpeed)}); err != nil {
		return eris.Wrap(err, "failed to initialize calendar")
	}
	return gs.Globals().Set("game_speed", int64(DefaultSpeed))
}

// -------------------------------------------------------------------------------------------------
// Scenarios
// -------------------------------------------------------------------------------------------------

// Scenario is the starting map of a new game.
type Scenario struct {
	StartMinutes int64     `json:"start_minutes"`
	Countries    []Country `json:"countries"`
	Regions      []Region  `json:"regions"`
}

// DefaultScenario returns the built-in scenario.
func DefaultScenario() (Scenario, error) {
	return parseScenario(defaultScenario)
}

// LoadScenario reads a scenario from a JSON file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, eris.Wrapf(err, "failed to read scenario %s", path)
	}
	return parseScenario(data)
}

func parseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return Scenario{}, eris.Wrap(err, "failed to decode scenario")
	}
	if err := s.validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func (s Scenario) validate() error {
	if s.StartMinutes < 0 {
		return eris.New("scenario start cannot be negative")
	}
	countries := make(map[string]struct{}, len(s.Countries))
	for _, c := range s.Countries {
		if c.ID == "" {
			return eris.New("country id cannot be empty")
		}
		if _, dup := countries[c.ID]; dup {
			return eris.Errorf("duplicate country %s", c.ID)
		}
		if c.TaxRate < 0 || c.TaxRate > 1 {
			return eris.Errorf("country %s has tax rate %v outside [0, 1]", c.ID, c.TaxRate)
		}
		countries[c.ID] = struct{}{}
	}
	regions := make(map[int64]struct{}, len(s.Regions))
	for _, r := range s.Regions {
		if _, dup := regions[r.ID]; dup {
			return eris.Errorf("duplicate region %d", r.ID)
		}
		if _, ok := countries[r.Owner]; !ok {
			return eris.Errorf("region %d is owned by unknown country %q", r.ID, r.Owner)
		}
		if _, ok := countries[r.Controller]; r.Controller != "" && !ok {
			return eris.Errorf("region %d is controlled by unknown country %q", r.ID, r.Controller)
		}
		regions[r.ID] = struct{}{}
	}
	return nil
}

// Populate replaces the rows of the module's tables with the scenario. It must run between ticks,
// after Install.
func Populate(gs *state.GameState, s Scenario) error {
	if err := s.validate(); err != nil {
		return err
	}
	countries := make([]state.Row, len(s.Countries))
	for i, c := range s.Countries {
		countries[i] = c.row()
	}
	regions := make([]state.Row, len(s.Regions))
	for i, r := range s.Regions {
		regions[i] = r.row()
	}

	for _, t := range []struct {
		name string
		rows []state.Row
	}{
		{TableCountries, countries},
		{TableRegions, regions},
		{TableCalendar, []state.Row{calendarRow(s.StartMinutes, DefaultSpeed)}},
	} {
		if _, err := gs.DeleteRows(t.name, func(state.RowView) bool { return true }); err != nil {
			return eris.Wrapf(err, "failed to clear %s", t.name)
		}
		if err := gs.InsertRows(t.name, t.rows); err != nil {
			return eris.Wrapf(err, "failed to populate %s", t.name)
		}
	}
	return gs.Globals().Set("game_speed", int64(DefaultSpeed))
}
