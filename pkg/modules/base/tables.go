// Package base is the reference gameplay module. It defines the countries, regions and calendar
// tables, the actions players use to change them, and the systems that move the calendar, collect
// taxes and keep region control consistent with ownership.
package base

import (
	"time"

	"github.com/openpower/engine/pkg/engine/state"
)

const (
	TableCountries = "countries"
	TableRegions   = "regions"
	TableCalendar  = "calendar"
)

// Epoch is the in-game date at total minute zero.
var Epoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

var countriesSchema = state.Schema{
	{Name: "id", Type: state.TypeString},
	{Name: "name", Type: state.TypeString},
	{Name: "tax_rate", Type: state.TypeFloat64},
	{Name: "gdp_per_capita", Type: state.TypeFloat64},
	{Name: "money_balance", Type: state.TypeFloat64},
	{Name: "military_count", Type: state.TypeInt64},
}

var regionsSchema = state.Schema{
	{Name: "id", Type: state.TypeInt64},
	{Name: "name", Type: state.TypeString},
	{Name: "owner", Type: state.TypeString},
	{Name: "controller", Type: state.TypeString},
	{Name: "population", Type: state.TypeInt64},
}

// The calendar has a single row. carry holds game time not yet worth a whole minute, and the
// heartbeat columns pace the RealSecond event.
var calendarSchema = state.Schema{
	{Name: "total_minutes", Type: state.TypeInt64},
	{Name: "year", Type: state.TypeInt64},
	{Name: "month", Type: state.TypeInt64},
	{Name: "day", Type: state.TypeInt64},
	{Name: "hour", Type: state.TypeInt64},
	{Name: "minute", Type: state.TypeInt64},
	{Name: "speed", Type: state.TypeInt64},
	{Name: "paused", Type: state.TypeBool},
	{Name: "carry", Type: state.TypeInt64},
	{Name: "heartbeat", Type: state.TypeInt64},
	{Name: "heartbeat_minutes", Type: state.TypeInt64},
}

// Country is the scenario description of one row of the countries table.
type Country struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	TaxRate      float64 `json:"tax_rate"`
	GDPPerCapita float64 `json:"gdp_per_capita"`
	Balance      float64 `json:"money_balance"`
	Military     int64   `json:"military_count"`
}

func (c Country) row() state.Row {
	return state.Row{
		"id":             c.ID,
		"name":           c.Name,
		"tax_rate":       c.TaxRate,
		"gdp_per_capita": c.GDPPerCapita,
		"money_balance":  c.Balance,
		"military_count": c.Military,
	}
}

// Region is the scenario description of one row of the regions table. An empty controller means
// the owner controls the region.
type Region struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	Controller string `json:"controller,omitempty"`
	Population int64  `json:"population"`
}

func (r Region) row() state.Row {
	controller := r.Controller
	if controller == "" {
		controller = r.Owner
	}
	return state.Row{
		"id":         r.ID,
		"name":       r.Name,
		"owner":      r.Owner,
		"controller": controller,
		"population": r.Population,
	}
}

func calendarRow(totalMinutes int64, speed int64) state.Row {
	date := Date(totalMinutes)
	return state.Row{
		"total_minutes":     totalMinutes,
		"year":              int64(date.Year()),
		"month":             int64(date.Month()),
		"day":               int64(date.Day()),
		"hour":              int64(date.Hour()),
		"minute":            int64(date.Minute()),
		"speed":             speed,
		"paused":            false,
		"carry":             int64(0),
		"heartbeat":         int64(0),
		"heartbeat_minutes": totalMinutes,
	}
}
