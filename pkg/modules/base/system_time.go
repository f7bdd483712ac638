package base

import (
	"time"

	"github.com/openpower/engine/pkg/engine"
)

const (
	SystemTime = "base.time"

	DefaultSpeed = 3
)

// gameSecondsPerSecond maps a speed level to the in-game seconds that pass per second of
// simulated real time. At level 3 a game day lasts 12 seconds.
var gameSecondsPerSecond = map[int64]int64{
	1: 1_800,
	2: 3_600,
	3: 7_200,
	4: 36_000,
	5: 144_000,
}

// TimeSystem moves the calendar forward according to the game speed and emits the temporal
// events. Time is counted in whole minutes; the remainder carries over to the next tick.
type TimeSystem struct{}

var _ engine.System = TimeSystem{}

func (TimeSystem) ID() string       { return SystemTime }
func (TimeSystem) Reads() []string  { return nil }
func (TimeSystem) Writes() []string { return []string{TableCalendar} }
func (TimeSystem) After() []string  { return nil }

func (TimeSystem) Update(ctx *engine.Context, dt time.Duration) ([]engine.Event, error) {
	w, err := ctx.Write(TableCalendar)
	if err != nil {
		return nil, err
	}
	cal, err := openCalendar(w)
	if err != nil {
		return nil, err
	}

	var events []engine.Event
	if !cal.paused.Get(0) {
		events = advance(cal, dt)
	}

	// The heartbeat keeps running while paused.
	heartbeat := cal.heartbeat.Get(0) + int64(dt)
	if heartbeat >= int64(time.Second) {
		events = append(events, RealSecond{
			GameSeconds: (cal.totalMinutes.Get(0) - cal.heartbeatMinutes.Get(0)) * 60,
			Paused:      cal.paused.Get(0),
		})
		heartbeat -= int64(time.Second)
		cal.heartbeatMinutes.Set(0, cal.totalMinutes.Get(0))
	}
	cal.heartbeat.Set(0, heartbeat)
	return events, nil
}

// advance moves the calendar by dt of real time at the current speed.
func advance(cal *calendar, dt time.Duration) []engine.Event {
	rate, ok := gameSecondsPerSecond[cal.speed.Get(0)]
	if !ok {
		rate = gameSecondsPerSecond[DefaultSpeed]
	}
	carry := cal.carry.Get(0) + int64(dt)*rate
	minutes := carry / int64(time.Minute)
	cal.carry.Set(0, carry%int64(time.Minute))
	if minutes == 0 {
		return nil
	}

	prev := cal.date()
	total := cal.totalMinutes.Get(0) + minutes
	cal.setDate(total)
	now := cal.date()

	var events []engine.Event
	if now.Truncate(time.Hour) != prev.Truncate(time.Hour) {
		events = append(events, NewHour{Hour: int64(now.Hour()), TotalMinutes: total})
	}
	if now.YearDay() != prev.YearDay() || now.Year() != prev.Year() {
		events = append(events, NewDay{Day: int64(now.Day()), Month: int64(now.Month()), Year: int64(now.Year())})
	}
	return events
}

// Date returns the in-game date of a total minute count.
func Date(totalMinutes int64) time.Time {
	// Durations overflow after about 292 years, so the offset is applied in seconds.
	return time.Unix(Epoch.Unix()+totalMinutes*60, 0).UTC()
}
