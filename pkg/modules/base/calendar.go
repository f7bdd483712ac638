package base

import (
	"errors"
	"time"

	"github.com/openpower/engine/pkg/engine/state"
	"github.com/rotisserie/eris"
)

// calendar holds the column handles of the calendar table.
type calendar struct {
	totalMinutes     state.MutColumn[int64]
	year             state.MutColumn[int64]
	month            state.MutColumn[int64]
	day              state.MutColumn[int64]
	hour             state.MutColumn[int64]
	minute           state.MutColumn[int64]
	speed            state.MutColumn[int64]
	paused           state.MutColumn[bool]
	carry            state.MutColumn[int64]
	heartbeat        state.MutColumn[int64]
	heartbeatMinutes state.MutColumn[int64]
}

func openCalendar(w *state.WriteView) (*calendar, error) {
	if w.Len() != 1 {
		return nil, eris.Errorf("calendar must have exactly one row, has %d", w.Len())
	}
	var (
		cal  calendar
		errs []error
	)
	ints := func(col string) state.MutColumn[int64] {
		c, err := w.Int64s(col)
		errs = append(errs, err)
		return c
	}
	cal.totalMinutes = ints("total_minutes")
	cal.year = ints("year")
	cal.month = ints("month")
	cal.day = ints("day")
	cal.hour = ints("hour")
	cal.minute = ints("minute")
	cal.speed = ints("speed")
	cal.carry = ints("carry")
	cal.heartbeat = ints("heartbeat")
	cal.heartbeatMinutes = ints("heartbeat_minutes")
	paused, err := w.Bools("paused")
	cal.paused = paused
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cal, nil
}

func (c *calendar) date() time.Time {
	return Date(c.totalMinutes.Get(0))
}

// setDate sets the total minute count and the broken down date fields that derive from it.
func (c *calendar) setDate(totalMinutes int64) {
	date := Date(totalMinutes)
	c.totalMinutes.Set(0, totalMinutes)
	c.year.Set(0, int64(date.Year()))
	c.month.Set(0, int64(date.Month()))
	c.day.Set(0, int64(date.Day()))
	c.hour.Set(0, int64(date.Hour()))
	c.minute.Set(0, int64(date.Minute()))
}
