package state

import (
	"math"

	"github.com/openpower/engine/pkg/assert"
	"github.com/rotisserie/eris"
)

// abstractColumn is an internal interface for generic column operations.
type abstractColumn interface {
	len() int
	kind() ColumnType

	appendAbstract(value any) error
	setAbstract(row int, value any) error
	getAbstract(row int) any
	keep(mask []bool)
	truncate(n int)

	clone() abstractColumn
	data() any
}

var (
	_ abstractColumn = &column[int64]{}
	_ abstractColumn = &column[float64]{}
	_ abstractColumn = &column[string]{}
	_ abstractColumn = &column[bool]{}
)

// column stores one value per row of a table. The length of the values slice must match the row
// count of the table that owns it.
type column[T Value] struct {
	values []T
}

const columnCapacity = 16

// newColumn creates an empty column of the given type.
func newColumn(typ ColumnType) abstractColumn {
	switch typ {
	case TypeInt64:
		return &column[int64]{values: make([]int64, 0, columnCapacity)}
	case TypeFloat64:
		return &column[float64]{values: make([]float64, 0, columnCapacity)}
	case TypeString:
		return &column[string]{values: make([]string, 0, columnCapacity)}
	case TypeBool:
		return &column[bool]{values: make([]bool, 0, columnCapacity)}
	case TypeUndefined:
	}
	assert.That(false, "column type %s is not valid", typ)
	return nil
}

// columnFromData wraps a typed slice in a column, or fails if the slice type doesn't match typ.
func columnFromData(typ ColumnType, data any) (abstractColumn, error) {
	var ok bool
	var col abstractColumn
	switch typ {
	case TypeInt64:
		var v []int64
		v, ok = data.([]int64)
		col = &column[int64]{values: v}
	case TypeFloat64:
		var v []float64
		v, ok = data.([]float64)
		col = &column[float64]{values: v}
	case TypeString:
		var v []string
		v, ok = data.([]string)
		col = &column[string]{values: v}
	case TypeBool:
		var v []bool
		v, ok = data.([]bool)
		col = &column[bool]{values: v}
	case TypeUndefined:
	}
	if !ok {
		return nil, eris.Wrapf(ErrSchemaViolation, "column data %T doesn't match type %s", data, typ)
	}
	return col, nil
}

func (c *column[T]) len() int {
	return len(c.values)
}

func (c *column[T]) kind() ColumnType {
	return typeOf[T]()
}

func (c *column[T]) get(row int) T {
	assert.That(row >= 0 && row < len(c.values), "row %d out of range", row)
	return c.values[row]
}

func (c *column[T]) set(row int, value T) {
	assert.That(row >= 0 && row < len(c.values), "row %d out of range", row)
	c.values[row] = value
}

// appendAbstract appends a boxed value. Use only when the concrete type isn't known.
func (c *column[T]) appendAbstract(value any) error {
	concrete, err := coerce[T](value)
	if err != nil {
		return err
	}
	c.values = append(c.values, concrete)
	return nil
}

// setAbstract sets a boxed value. Use only when the concrete type isn't known.
func (c *column[T]) setAbstract(row int, value any) error {
	concrete, err := coerce[T](value)
	if err != nil {
		return err
	}
	c.set(row, concrete)
	return nil
}

func (c *column[T]) getAbstract(row int) any {
	return c.get(row)
}

// keep compacts the column to the rows whose mask entry is true, preserving their order.
func (c *column[T]) keep(mask []bool) {
	assert.That(len(mask) == len(c.values), "mask length doesn't match column")
	n := 0
	for i, v := range c.values {
		if mask[i] {
			c.values[n] = v
			n++
		}
	}
	c.truncate(n)
}

func (c *column[T]) truncate(n int) {
	var zero T
	for i := n; i < len(c.values); i++ {
		c.values[i] = zero // Drop string references
	}
	c.values = c.values[:n]
}

func (c *column[T]) clone() abstractColumn {
	return &column[T]{values: append(make([]T, 0, len(c.values)), c.values...)}
}

func (c *column[T]) data() any {
	return c.values
}

// coerce converts a boxed value into T. Untyped integer constants and the int family are accepted
// for int64 columns so that map literals and decoded JSON rows work without explicit conversions.
func coerce[T Value](value any) (T, error) {
	var zero T
	if v, ok := value.(T); ok {
		return v, nil
	}
	switch any(zero).(type) {
	case int64:
		var n int64
		switch v := value.(type) {
		case int:
			n = int64(v)
		case int32:
			n = int64(v)
		case uint32:
			n = int64(v)
		case float64:
			// Converting a float outside the int64 range is implementation-defined.
			if math.IsNaN(v) || v < -(1<<63) || v >= 1<<63 {
				return zero, eris.Wrapf(ErrSchemaViolation, "value %v is out of the int64 range", v)
			}
			if v != float64(int64(v)) {
				return zero, eris.Wrapf(ErrSchemaViolation, "value %v is not an integer", v)
			}
			n = int64(v)
		default:
			return zero, eris.Wrapf(ErrSchemaViolation, "expected int64, got %T", value)
		}
		return any(n).(T), nil
	case float64:
		var f float64
		switch v := value.(type) {
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		default:
			return zero, eris.Wrapf(ErrSchemaViolation, "expected float64, got %T", value)
		}
		return any(f).(T), nil
	}
	return zero, eris.Wrapf(ErrSchemaViolation, "expected %s, got %T", typeOf[T](), value)
}
