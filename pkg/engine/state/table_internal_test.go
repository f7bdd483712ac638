package state

import (
	"math"
	"testing"

	"github.com/openpower/engine/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -------------------------------------------------------------------------------------------------
// Model-based fuzzing table operations
// -------------------------------------------------------------------------------------------------
// This test verifies the table implementation against a model made of one plain Go slice per
// column. Random sequences of insert/set/get/remove are applied to both and every step asserts
// that all columns keep the same length and the same values in the same order.
// -------------------------------------------------------------------------------------------------

type tableModel struct {
	ids    []int64
	names  []string
	weight []float64
	alive  []bool
}

func (m *tableModel) len() int { return len(m.ids) }

func (m *tableModel) keep(mask []bool) {
	var model tableModel
	for i, ok := range mask {
		if ok {
			model.ids = append(model.ids, m.ids[i])
			model.names = append(model.names, m.names[i])
			model.weight = append(model.weight, m.weight[i])
			model.alive = append(model.alive, m.alive[i])
		}
	}
	*m = model
}

var fuzzSchema = Schema{
	{Name: "id", Type: TypeInt64},
	{Name: "name", Type: TypeString},
	{Name: "weight", Type: TypeFloat64},
	{Name: "alive", Type: TypeBool},
}

func TestTable_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 13 // 8192 iterations

	impl := newTable("units", fuzzSchema)
	model := &tableModel{}

	for range opsMax {
		op := testutils.RandWeightedOp(prng, tableOps)
		switch op {
		case t_insert:
			n := prng.IntN(4) + 1
			rows := make([]Row, n)
			for i := range rows {
				rows[i] = Row{
					"id":     prng.Int64(),
					"name":   testutils.RandString(prng, 6),
					"weight": testutils.RandFloat(prng),
					"alive":  prng.IntN(2) == 0,
				}
			}
			require.NoError(t, impl.insert(rows))
			for _, row := range rows {
				model.ids = append(model.ids, row["id"].(int64))
				model.names = append(model.names, row["name"].(string))
				model.weight = append(model.weight, row["weight"].(float64))
				model.alive = append(model.alive, row["alive"].(bool))
			}

			// Property: row count increases by the number of inserted rows.
			assert.Equal(t, model.len(), impl.rows, "insert row count mismatch")

		case t_bad_insert:
			before := impl.rows
			bad := Row{"id": "not an int", "name": "x", "weight": 1.0, "alive": true}
			good := Row{"id": int64(1), "name": "x", "weight": 1.0, "alive": true}
			err := impl.insert([]Row{good, bad})

			// Property: a batch with a bad row inserts nothing.
			require.ErrorIs(t, err, ErrSchemaViolation)
			assert.Equal(t, before, impl.rows, "bad insert changed row count")

		case t_set:
			if model.len() == 0 {
				continue
			}
			row := prng.IntN(model.len())
			v := prng.Int64()
			require.NoError(t, impl.columns[0].setAbstract(row, v))
			model.ids[row] = v

			// Property: get(k) after set(k) returns the same value.
			assert.Equal(t, v, impl.columns[0].getAbstract(row), "set(%d) then get mismatch", row)

		case t_get:
			if model.len() == 0 {
				continue
			}
			row := prng.IntN(model.len())
			assert.Equal(t, model.ids[row], impl.columns[0].getAbstract(row), "get(%d) id mismatch", row)
			assert.Equal(t, model.names[row], impl.columns[1].getAbstract(row), "get(%d) name mismatch", row)

		case t_remove:
			mask := make([]bool, model.len())
			var removed int
			pred := func(r RowView) bool {
				drop := r.Int64("id")%3 == 0
				mask[r.Index()] = !drop
				if drop {
					removed++
				}
				return drop
			}
			got := impl.remove(pred)
			model.keep(mask)

			// Property: remove reports the number of rows the predicate matched.
			assert.Equal(t, removed, got, "remove count mismatch")
			assert.Equal(t, model.len(), impl.rows, "remove row count mismatch")

		default:
			panic("unreachable")
		}

		// Property: every column has the table's row count.
		for i, col := range impl.columns {
			require.Equal(t, impl.rows, col.len(), "column %d length mismatch", i)
		}
	}

	// Final state check: the surviving rows are in model order.
	assert.Equal(t, model.ids, nonNil(impl.columns[0].data().([]int64)))
	assert.Equal(t, model.names, nonNil(impl.columns[1].data().([]string)))
	assert.Equal(t, model.weight, nonNil(impl.columns[2].data().([]float64)))
	assert.Equal(t, model.alive, nonNil(impl.columns[3].data().([]bool)))
}

// nonNil turns an empty slice into nil so it compares equal to an empty model slice.
func nonNil[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

type tableOp uint8

const (
	t_insert     tableOp = 30
	t_bad_insert tableOp = 5
	t_set        tableOp = 25
	t_get        tableOp = 24
	t_remove     tableOp = 15
)

var tableOps = []tableOp{t_insert, t_bad_insert, t_set, t_get, t_remove}

// -------------------------------------------------------------------------------------------------
// Coercion
// -------------------------------------------------------------------------------------------------

func TestCoerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     ColumnType
		value   any
		wantErr bool
	}{
		{name: "int64 exact", typ: TypeInt64, value: int64(3)},
		{name: "int literal", typ: TypeInt64, value: 3},
		{name: "integral float for int64", typ: TypeInt64, value: 3.0},
		{name: "fractional float for int64", typ: TypeInt64, value: 3.5, wantErr: true},
		{name: "smallest int64 as float", typ: TypeInt64, value: -9223372036854775808.0},
		{name: "float above int64 range", typ: TypeInt64, value: 9223372036854775808.0, wantErr: true},
		{name: "float below int64 range", typ: TypeInt64, value: -1e19, wantErr: true},
		{name: "huge float for int64", typ: TypeInt64, value: math.MaxFloat64, wantErr: true},
		{name: "infinity for int64", typ: TypeInt64, value: math.Inf(1), wantErr: true},
		{name: "nan for int64", typ: TypeInt64, value: math.NaN(), wantErr: true},
		{name: "string for int64", typ: TypeInt64, value: "3", wantErr: true},
		{name: "float64 exact", typ: TypeFloat64, value: 0.4},
		{name: "int for float64", typ: TypeFloat64, value: 1},
		{name: "bool for float64", typ: TypeFloat64, value: true, wantErr: true},
		{name: "string exact", typ: TypeString, value: "FRA"},
		{name: "int for string", typ: TypeString, value: 1, wantErr: true},
		{name: "bool exact", typ: TypeBool, value: false},
		{name: "nil for bool", typ: TypeBool, value: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, !tt.wantErr, accepts(tt.typ, tt.value))
		})
	}
}
