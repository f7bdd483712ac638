package state

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ColumnType is the value type every row of a column holds.
type ColumnType uint8

const (
	TypeUndefined ColumnType = iota // Used as the zero value
	TypeInt64
	TypeFloat64
	TypeString
	TypeBool
)

const (
	int64TypeString     = "int64"
	float64TypeString   = "float64"
	stringTypeString    = "string"
	boolTypeString      = "bool"
	undefinedTypeString = "undefined"
)

func (c ColumnType) String() string {
	switch c {
	case TypeInt64:
		return int64TypeString
	case TypeFloat64:
		return float64TypeString
	case TypeString:
		return stringTypeString
	case TypeBool:
		return boolTypeString
	case TypeUndefined:
		return undefinedTypeString
	default:
		return undefinedTypeString
	}
}

func (c ColumnType) IsValid() bool {
	return c >= TypeInt64 && c <= TypeBool
}

// ParseColumnType converts a type name into a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(s) {
	case int64TypeString:
		return TypeInt64, nil
	case float64TypeString:
		return TypeFloat64, nil
	case stringTypeString:
		return TypeString, nil
	case boolTypeString:
		return TypeBool, nil
	default:
		return TypeUndefined, eris.Errorf("invalid column type: %s", s)
	}
}

// Value is the set of Go types a column can hold.
type Value interface {
	int64 | float64 | string | bool
}

// typeOf returns the ColumnType that stores values of type T.
func typeOf[T Value]() ColumnType {
	var zero T
	switch any(zero).(type) {
	case int64:
		return TypeInt64
	case float64:
		return TypeFloat64
	case string:
		return TypeString
	case bool:
		return TypeBool
	}
	return TypeUndefined
}

// ColumnDef names and types a single column.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// Schema is the ordered list of columns of a table. Column order is kept in snapshots.
type Schema []ColumnDef

// Validate checks that column names are unique and non-empty and that every type is valid.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return eris.Wrap(ErrSchemaViolation, "schema must have at least one column")
	}
	seen := make(map[string]struct{}, len(s))
	for _, def := range s {
		if def.Name == "" {
			return eris.Wrap(ErrSchemaViolation, "column name cannot be empty")
		}
		if !def.Type.IsValid() {
			return eris.Wrapf(ErrSchemaViolation, "column %q has invalid type %s", def.Name, def.Type)
		}
		if _, exists := seen[def.Name]; exists {
			return eris.Wrapf(ErrSchemaViolation, "duplicate column %q", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return nil
}

// Equal reports whether two schemas define the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the schema.
func (s Schema) Clone() Schema {
	return append(Schema(nil), s...)
}
