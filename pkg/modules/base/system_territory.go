package base

import (
	"time"

	"github.com/openpower/engine/pkg/engine"
	"github.com/openpower/engine/pkg/engine/state"
)

const SystemTerritory = "base.territory"

// TerritorySystem hands regions back to their owner when the controlling country is gone.
// Ownership itself only changes through actions.
type TerritorySystem struct{}

var _ engine.System = TerritorySystem{}

func (TerritorySystem) ID() string       { return SystemTerritory }
func (TerritorySystem) Reads() []string  { return []string{TableCountries} }
func (TerritorySystem) Writes() []string { return []string{TableRegions} }
func (TerritorySystem) After() []string  { return []string{SystemEconomy} }

func (TerritorySystem) Update(ctx *engine.Context, _ time.Duration) ([]engine.Event, error) {
	countries, err := ctx.Read(TableCountries)
	if err != nil {
		return nil, err
	}
	ids, err := state.ReadColumn[string](countries, "id")
	if err != nil {
		return nil, err
	}
	exists := make(map[string]struct{}, ids.Len())
	for i := range ids.Len() {
		exists[ids.Get(i)] = struct{}{}
	}

	w, err := ctx.Write(TableRegions)
	if err != nil {
		return nil, err
	}
	regionIDs, err := w.Int64s("id")
	if err != nil {
		return nil, err
	}
	owners, err := w.Strings("owner")
	if err != nil {
		return nil, err
	}
	controllers, err := w.Strings("controller")
	if err != nil {
		return nil, err
	}

	var events []engine.Event
	for i := range w.Len() {
		controller, owner := controllers.Get(i), owners.Get(i)
		if controller == owner {
			continue
		}
		if _, ok := exists[controller]; ok && controller != "" {
			continue
		}
		controllers.Set(i, owner)
		events = append(events, ControlRestored{Region: regionIDs.Get(i), Owner: owner, Controller: controller})
	}
	return events, nil
}
