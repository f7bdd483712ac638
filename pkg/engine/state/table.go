package state

import (
	"github.com/openpower/engine/pkg/assert"
	"github.com/rotisserie/eris"
)

// Row is a single row keyed by column name, used for inserts.
type Row map[string]any

// table is a named set of equal-length columns.
type table struct {
	name    string
	schema  Schema
	index   map[string]int // Column name -> position in schema and columns
	columns []abstractColumn
	rows    int

	readers int  // Number of read views currently held
	writer  bool // Whether a write view is currently held
}

func newTable(name string, schema Schema) *table {
	t := &table{
		name:    name,
		schema:  schema.Clone(),
		index:   make(map[string]int, len(schema)),
		columns: make([]abstractColumn, len(schema)),
	}
	for i, def := range schema {
		t.index[def.Name] = i
		t.columns[i] = newColumn(def.Type)
	}
	return t
}

func (t *table) column(name string) (abstractColumn, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, eris.Wrapf(ErrColumnNotFound, "column %q in table %q", name, t.name)
	}
	return t.columns[i], nil
}

func (t *table) held() bool {
	return t.writer || t.readers > 0
}

// insert appends rows after validating all of them, so a bad row leaves the table untouched.
func (t *table) insert(rows []Row) error {
	for i, row := range rows {
		if len(row) != len(t.schema) {
			for name := range row {
				if _, ok := t.index[name]; !ok {
					return eris.Wrapf(ErrSchemaViolation, "row %d: unknown column %q", i, name)
				}
			}
			return eris.Wrapf(ErrSchemaViolation, "row %d: expected %d columns, got %d", i, len(t.schema), len(row))
		}
		for _, def := range t.schema {
			value, ok := row[def.Name]
			if !ok {
				return eris.Wrapf(ErrSchemaViolation, "row %d: missing column %q", i, def.Name)
			}
			if !accepts(def.Type, value) {
				return eris.Wrapf(ErrSchemaViolation, "row %d: column %q expects %s, got %T",
					i, def.Name, def.Type, value)
			}
		}
	}

	for _, row := range rows {
		for i, def := range t.schema {
			err := t.columns[i].appendAbstract(row[def.Name])
			assert.That(err == nil, "value accepted by validation failed to append: %v", err)
		}
	}
	t.rows += len(rows)
	return nil
}

// remove deletes the rows where pred is true and returns how many were deleted. Surviving rows
// keep their relative order.
func (t *table) remove(pred func(RowView) bool) int {
	mask := make([]bool, t.rows)
	removed := 0
	for row := range t.rows {
		mask[row] = !pred(RowView{t: t, row: row})
		if !mask[row] {
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	for _, col := range t.columns {
		col.keep(mask)
	}
	t.rows -= removed
	return removed
}

func (t *table) image() TableImage {
	img := TableImage{
		Name:    t.name,
		Schema:  t.schema.Clone(),
		Columns: make([]any, len(t.columns)),
	}
	for i, col := range t.columns {
		img.Columns[i] = col.clone().data()
	}
	return img
}

// restoreFrom replaces the contents of the table with a copy of img. The schema must match.
func (t *table) restoreFrom(img TableImage) error {
	if !t.schema.Equal(img.Schema) {
		return eris.Wrapf(ErrSchemaViolation, "table %q schema doesn't match image", t.name)
	}
	columns, rows, err := columnsFromImage(img)
	if err != nil {
		return err
	}
	t.columns = columns
	t.rows = rows
	return nil
}

func tableFromImage(img TableImage) (*table, error) {
	if err := img.Schema.Validate(); err != nil {
		return nil, eris.Wrapf(err, "table %q", img.Name)
	}
	t := newTable(img.Name, img.Schema)
	if err := t.restoreFrom(img); err != nil {
		return nil, err
	}
	return t, nil
}

func columnsFromImage(img TableImage) ([]abstractColumn, int, error) {
	if len(img.Columns) != len(img.Schema) {
		return nil, 0, eris.Wrapf(ErrSchemaViolation, "table %q image has %d columns, schema has %d",
			img.Name, len(img.Columns), len(img.Schema))
	}
	columns := make([]abstractColumn, len(img.Columns))
	rows := -1
	for i, def := range img.Schema {
		col, err := columnFromData(def.Type, img.Columns[i])
		if err != nil {
			return nil, 0, eris.Wrapf(err, "table %q column %q", img.Name, def.Name)
		}
		col = col.clone()
		if rows == -1 {
			rows = col.len()
		} else if rows != col.len() {
			return nil, 0, eris.Wrapf(ErrSchemaViolation, "table %q column %q has %d rows, expected %d",
				img.Name, def.Name, col.len(), rows)
		}
		columns[i] = col
	}
	return columns, max(rows, 0), nil
}

// accepts reports whether coerce would succeed for value in a column of type typ.
func accepts(typ ColumnType, value any) bool {
	var err error
	switch typ {
	case TypeInt64:
		_, err = coerce[int64](value)
	case TypeFloat64:
		_, err = coerce[float64](value)
	case TypeString:
		_, err = coerce[string](value)
	case TypeBool:
		_, err = coerce[bool](value)
	case TypeUndefined:
		return false
	}
	return err == nil
}

// RowView is a read-only handle to a single row, passed to DeleteRows predicates.
type RowView struct {
	t   *table
	row int
}

// Index returns the row's position in the table.
func (r RowView) Index() int {
	return r.row
}

// Get returns the value of the given column, or nil if the column doesn't exist.
func (r RowView) Get(col string) any {
	c, err := r.t.column(col)
	if err != nil {
		return nil
	}
	return c.getAbstract(r.row)
}

// Int64 returns the value of an int64 column, or 0 if the column doesn't exist or has another type.
func (r RowView) Int64(col string) int64 {
	v, _ := r.Get(col).(int64)
	return v
}

// Float64 returns the value of a float64 column, or 0 if the column doesn't exist or has another type.
func (r RowView) Float64(col string) float64 {
	v, _ := r.Get(col).(float64)
	return v
}

// String returns the value of a string column, or "" if the column doesn't exist or has another type.
func (r RowView) String(col string) string {
	v, _ := r.Get(col).(string)
	return v
}

// Bool returns the value of a bool column, or false if the column doesn't exist or has another type.
func (r RowView) Bool(col string) bool {
	v, _ := r.Get(col).(bool)
	return v
}
