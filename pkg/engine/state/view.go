package state

import (
	"github.com/rotisserie/eris"
)

// View is the read surface shared by ReadView and WriteView.
type View interface {
	Name() string
	Len() int
	Schema() Schema
	Value(row int, col string) (any, error)
	FindRow(col string, value any) (int, bool, error)
	Release()

	base() *view
}

var (
	_ View = &ReadView{}
	_ View = &WriteView{}
)

type view struct {
	gs       *GameState
	t        *table
	write    bool
	released bool
}

func (v *view) base() *view {
	return v
}

func (v *view) check() error {
	if v.released {
		return eris.Wrapf(ErrViewReleased, "table %q", v.t.name)
	}
	return nil
}

// Name returns the name of the table.
func (v *view) Name() string {
	return v.t.name
}

// Len returns the number of rows in the table.
func (v *view) Len() int {
	return v.t.rows
}

// Schema returns a copy of the table schema.
func (v *view) Schema() Schema {
	return v.t.schema.Clone()
}

// Value returns the boxed value at (row, col). Prefer the typed column handles on hot paths.
func (v *view) Value(row int, col string) (any, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	c, err := v.t.column(col)
	if err != nil {
		return nil, err
	}
	if row < 0 || row >= v.t.rows {
		return nil, eris.Wrapf(ErrRowOutOfRange, "row %d in table %q with %d rows", row, v.t.name, v.t.rows)
	}
	return c.getAbstract(row), nil
}

// FindRow returns the first row whose col equals value. The boolean is false if no row matches.
func (v *view) FindRow(col string, value any) (int, bool, error) {
	if err := v.check(); err != nil {
		return 0, false, err
	}
	c, err := v.t.column(col)
	if err != nil {
		return 0, false, err
	}
	if !accepts(c.kind(), value) {
		return 0, false, eris.Wrapf(ErrSchemaViolation, "column %q expects %s, got %T", col, c.kind(), value)
	}
	switch typed := c.(type) {
	case *column[int64]:
		return findRow(typed.values, value)
	case *column[float64]:
		return findRow(typed.values, value)
	case *column[string]:
		return findRow(typed.values, value)
	case *column[bool]:
		return findRow(typed.values, value)
	}
	return 0, false, nil
}

func findRow[T Value](values []T, value any) (int, bool, error) {
	target, err := coerce[T](value)
	if err != nil {
		return 0, false, err
	}
	for i, v := range values {
		if v == target {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// Release gives the view back to the game state. Releasing twice is a no-op.
func (v *view) Release() {
	if v.released {
		return
	}
	v.released = true
	v.gs.release(v.t, v.write)
}

// ReadView is a shared, read-only view of a table. Any number of read views may be held at once,
// but none while a write view on the same table is held.
type ReadView struct {
	view
}

// Int64s returns a read handle to an int64 column.
func (v *ReadView) Int64s(col string) (Column[int64], error) { return ReadColumn[int64](v, col) }

// Float64s returns a read handle to a float64 column.
func (v *ReadView) Float64s(col string) (Column[float64], error) { return ReadColumn[float64](v, col) }

// Strings returns a read handle to a string column.
func (v *ReadView) Strings(col string) (Column[string], error) { return ReadColumn[string](v, col) }

// Bools returns a read handle to a bool column.
func (v *ReadView) Bools(col string) (Column[bool], error) { return ReadColumn[bool](v, col) }

// WriteView is an exclusive view of a table that allows changing values in place. Row count and
// order are fixed while the view is held.
type WriteView struct {
	view
}

// SetValue sets the value at (row, col). A value of the wrong Go type fails with ErrSchemaViolation.
func (v *WriteView) SetValue(row int, col string, value any) error {
	if err := v.check(); err != nil {
		return err
	}
	c, err := v.t.column(col)
	if err != nil {
		return err
	}
	if row < 0 || row >= v.t.rows {
		return eris.Wrapf(ErrRowOutOfRange, "row %d in table %q with %d rows", row, v.t.name, v.t.rows)
	}
	if err := c.setAbstract(row, value); err != nil {
		return eris.Wrapf(err, "table %q column %q", v.t.name, col)
	}
	return nil
}

// Int64s returns a write handle to an int64 column.
func (v *WriteView) Int64s(col string) (MutColumn[int64], error) { return WriteColumn[int64](v, col) }

// Float64s returns a write handle to a float64 column.
func (v *WriteView) Float64s(col string) (MutColumn[float64], error) {
	return WriteColumn[float64](v, col)
}

// Strings returns a write handle to a string column.
func (v *WriteView) Strings(col string) (MutColumn[string], error) { return WriteColumn[string](v, col) }

// Bools returns a write handle to a bool column.
func (v *WriteView) Bools(col string) (MutColumn[bool], error) { return WriteColumn[bool](v, col) }

// Column is a typed read handle to a column. It is only valid while the view it came from is held.
type Column[T Value] struct {
	values []T
}

// Get returns the value at row. Panics if row is out of range.
func (c Column[T]) Get(row int) T {
	return c.values[row]
}

// Len returns the number of rows.
func (c Column[T]) Len() int {
	return len(c.values)
}

// MutColumn is a typed write handle to a column. It is only valid while the write view it came
// from is held.
type MutColumn[T Value] struct {
	Column[T]
}

// Set sets the value at row. Panics if row is out of range.
func (c MutColumn[T]) Set(row int, value T) {
	c.values[row] = value
}

// ReadColumn returns a typed read handle to col. Fails with ErrSchemaViolation if T doesn't match
// the column type.
func ReadColumn[T Value](v View, col string) (Column[T], error) {
	b := v.base()
	if err := b.check(); err != nil {
		return Column[T]{}, err
	}
	c, err := b.t.column(col)
	if err != nil {
		return Column[T]{}, err
	}
	typed, ok := c.(*column[T])
	if !ok {
		return Column[T]{}, eris.Wrapf(ErrSchemaViolation, "column %q in table %q is %s, not %s",
			col, b.t.name, c.kind(), typeOf[T]())
	}
	return Column[T]{values: typed.values}, nil
}

// WriteColumn returns a typed write handle to col. Fails with ErrSchemaViolation if T doesn't match
// the column type.
func WriteColumn[T Value](v *WriteView, col string) (MutColumn[T], error) {
	c, err := ReadColumn[T](v, col)
	if err != nil {
		return MutColumn[T]{}, err
	}
	return MutColumn[T]{Column: c}, nil
}
