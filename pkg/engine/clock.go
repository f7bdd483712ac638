package engine

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// scaleUnit is the fixed-point denominator of the time scale: a scale of scaleUnit is real time.
const scaleUnit = 1000

// Clock converts elapsed wall-clock time into discrete ticks. All arithmetic is done on integer
// durations so the conversion is exact and deterministic: advancing by 3.5 tick durations yields
// exactly three ticks and half a tick duration of remainder.
type Clock struct {
	tickDuration time.Duration
	accumulated  time.Duration
	tick         uint64
	scale        int64 // Elapsed time is multiplied by scale/scaleUnit, 0 pauses
}

// NewClock creates a clock with the given tick duration, running at real time.
func NewClock(tickDuration time.Duration) (Clock, error) {
	if tickDuration <= 0 {
		return Clock{}, eris.Errorf("tick duration must be positive, got %s", tickDuration)
	}
	return Clock{tickDuration: tickDuration, scale: scaleUnit}, nil
}

// TickDuration returns the fixed duration of a tick.
func (c *Clock) TickDuration() time.Duration {
	return c.tickDuration
}

// Accumulated returns the elapsed time that hasn't been turned into ticks yet.
func (c *Clock) Accumulated() time.Duration {
	return c.accumulated
}

// Tick returns the number of completed ticks.
func (c *Clock) Tick() uint64 {
	return c.tick
}

// Scale returns the time scale. 1 is real time, 0 is paused.
func (c *Clock) Scale() float64 {
	return float64(c.scale) / scaleUnit
}

// SetScale sets the time scale, rounded to a thousandth. 0 pauses the clock.
func (c *Clock) SetScale(scale float64) error {
	if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return eris.Errorf("time scale must be a non-negative number, got %v", scale)
	}
	c.scale = int64(math.Round(scale * scaleUnit))
	return nil
}

// add accumulates elapsed wall-clock time after applying the time scale.
func (c *Clock) add(elapsed time.Duration) {
	if c.scale == scaleUnit {
		c.accumulated += elapsed
		return
	}
	// Split the multiplication to stay clear of overflow for long pauses between calls.
	whole, rest := int64(elapsed)/scaleUnit, int64(elapsed)%scaleUnit
	c.accumulated += time.Duration(whole*c.scale + rest*c.scale/scaleUnit)
}

// due reports whether at least one full tick has accumulated.
func (c *Clock) due() bool {
	return c.accumulated >= c.tickDuration
}

// consume removes one tick duration from the accumulator and counts the tick.
func (c *Clock) consume() uint64 {
	c.accumulated -= c.tickDuration
	return c.next()
}

// next counts a tick without touching the accumulator.
func (c *Clock) next() uint64 {
	c.tick++
	return c.tick
}

// reset sets the tick counter and drops any accumulated time.
func (c *Clock) reset(tick uint64) {
	c.tick = tick
	c.accumulated = 0
}
