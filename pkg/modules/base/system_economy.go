package base

import (
	"time"

	"github.com/openpower/engine/pkg/engine"
	"github.com/openpower/engine/pkg/engine/state"
)

const (
	SystemEconomy = "base.economy"

	// Global holding the calendar day taxes were last collected for.
	globalLastTaxDay = "base.economy.last_tax_day"

	minutesPerDay = 24 * 60
	daysPerYear   = 365
)

// EconomySystem collects taxes once per in-game day. A country's yearly income is its tax rate
// applied to the GDP of the regions it owns.
type EconomySystem struct{}

var _ engine.System = EconomySystem{}

func (EconomySystem) ID() string       { return SystemEconomy }
func (EconomySystem) Reads() []string  { return []string{TableCalendar, TableRegions} }
func (EconomySystem) Writes() []string { return []string{TableCountries} }
func (EconomySystem) After() []string  { return []string{SystemTime} }

func (EconomySystem) Update(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
	cal, err := ctx.Read(TableCalendar)
	if err != nil {
		return nil, err
	}
	minutes, err := state.ReadColumn[int64](cal, "total_minutes")
	if err != nil {
		return nil, err
	}
	today := minutes.Get(0) / minutesPerDay

	globals := ctx.Globals()
	last, ok := state.Global[int64](globals, globalLastTaxDay)
	if !ok {
		return nil, globals.Set(globalLastTaxDay, today)
	}
	days := today - last
	if days <= 0 {
		return nil, nil
	}

	population, err := ownedPopulation(ctx)
	if err != nil {
		return nil, err
	}

	w, err := ctx.Write(TableCountries)
	if err != nil {
		return nil, err
	}
	ids, err := w.Strings("id")
	if err != nil {
		return nil, err
	}
	rates, err := w.Float64s("tax_rate")
	if err != nil {
		return nil, err
	}
	gdp, err := w.Float64s("gdp_per_capita")
	if err != nil {
		return nil, err
	}
	balances, err := w.Float64s("money_balance")
	if err != nil {
		return nil, err
	}

	events := make([]engine.Event, 0, w.Len())
	for i := range w.Len() {
		id := ids.Get(i)
		income := float64(population[id]) * gdp.Get(i) * rates.Get(i) / daysPerYear * float64(days)
		balances.Set(i, balances.Get(i)+income)
		events = append(events, TaxesCollected{Country: id, Amount: income})
	}
	return events, globals.Set(globalLastTaxDay, today)
}

// ownedPopulation sums the population of the regions each country owns.
func ownedPopulation(ctx *engine.Context) (map[string]int64, error) {
	regions, err := ctx.Read(TableRegions)
	if err != nil {
		return nil, err
	}
	owners, err := state.ReadColumn[string](regions, "owner")
	if err != nil {
		return nil, err
	}
	population, err := state.ReadColumn[int64](regions, "population")
	if err != nil {
		return nil, err
	}
	total := make(map[string]int64)
	for i := range regions.Len() {
		total[owners.Get(i)] += population.Get(i)
	}
	return total, nil
}
