package engine

import (
	"context"
	"slices"
	"time"

	"github.com/openpower/engine/pkg/engine/action"
	"github.com/openpower/engine/pkg/engine/scheduler"
	"github.com/openpower/engine/pkg/engine/state"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Context is handed to a system for the duration of one update. It only gives access to the tables
// the system declared: reads and writes for Read, writes only for Write. Views are acquired on first
// use and released by the driver when the update returns.
type Context struct {
	ctx        context.Context //nolint:containedctx // Scoped to a single system update
	gs         *state.GameState
	queue      *action.Queue
	descriptor scheduler.Descriptor
	tick       uint64
	logger     zerolog.Logger

	reads  map[string]*state.ReadView
	writes map[string]*state.WriteView
}

func newContext(
	ctx context.Context,
	gs *state.GameState,
	queue *action.Queue,
	descriptor scheduler.Descriptor,
	tick uint64,
	logger zerolog.Logger,
) *Context {
	return &Context{
		ctx:        ctx,
		gs:         gs,
		queue:      queue,
		descriptor: descriptor,
		tick:       tick,
		logger:     logger,
		reads:      make(map[string]*state.ReadView),
		writes:     make(map[string]*state.WriteView),
	}
}

// Context returns the context of the running tick.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Tick returns the number of the running tick.
func (c *Context) Tick() uint64 {
	return c.tick
}

// SystemID returns the identifier of the running system.
func (c *Context) SystemID() string {
	return c.descriptor.ID
}

// Logger returns a logger tagged with the running system.
func (c *Context) Logger() *zerolog.Logger {
	return &c.logger
}

// Globals returns the session-wide key/value area.
func (c *Context) Globals() *state.Globals {
	return c.gs.Globals()
}

// Read returns a view of a declared table. For tables the system also writes, the returned view is
// its write view.
func (c *Context) Read(table string) (state.View, error) {
	if slices.Contains(c.descriptor.Writes, table) {
		return c.Write(table)
	}
	if !slices.Contains(c.descriptor.Reads, table) {
		return nil, eris.Wrapf(ErrUndeclaredAccess, "system %s reads undeclared table %q", c.descriptor.ID, table)
	}
	if v, ok := c.reads[table]; ok {
		return v, nil
	}
	v, err := c.gs.Read(table)
	if err != nil {
		return nil, err
	}
	c.reads[table] = v
	return v, nil
}

// Write returns the write view of a declared write table.
func (c *Context) Write(table string) (*state.WriteView, error) {
	if !slices.Contains(c.descriptor.Writes, table) {
		return nil, eris.Wrapf(ErrUndeclaredAccess, "system %s writes undeclared table %q", c.descriptor.ID, table)
	}
	if v, ok := c.writes[table]; ok {
		return v, nil
	}
	v, err := c.gs.Write(table)
	if err != nil {
		return nil, err
	}
	c.writes[table] = v
	return v, nil
}

// Enqueue queues an action on behalf of issuer. It is applied at the start of the next tick.
func (c *Context) Enqueue(issuer string, a action.Action) error {
	_, err := c.queue.Enqueue(issuer, a)
	return err
}

// ParallelRows runs fn over disjoint row ranges of [0, n) concurrently. See state.ParallelRows.
func (c *Context) ParallelRows(n, chunk int, fn func(ctx context.Context, lo, hi int) error) error {
	return state.ParallelRows(c.ctx, n, chunk, fn)
}

// release gives back every view the update acquired.
func (c *Context) release() {
	for name, v := range c.reads {
		v.Release()
		delete(c.reads, name)
	}
	for name, v := range c.writes {
		v.Release()
		delete(c.writes, name)
	}
}

// System is an update routine run once per tick in scheduled order.
type System interface {
	scheduler.System

	// Update advances the system by dt. Returned events are published at the end of the tick. An
	// error or panic is reported as a SystemFault and every table the system wrote is rolled back.
	Update(ctx *Context, dt time.Duration) ([]Event, error)
}
