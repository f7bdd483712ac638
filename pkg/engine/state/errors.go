package state

import "github.com/rotisserie/eris"

var (
	// ErrTableNotFound is returned when a table name is not part of the game state.
	ErrTableNotFound = eris.New("table does not exist")

	// ErrTableExists is returned when creating a table whose name is already taken.
	ErrTableExists = eris.New("table already exists")

	// ErrColumnNotFound is returned when a column name is not part of a table's schema.
	ErrColumnNotFound = eris.New("column does not exist")

	// ErrSchemaViolation is returned when a value doesn't match the type its column was defined
	// with, or when a row doesn't match the table's schema.
	ErrSchemaViolation = eris.New("schema violation")

	// ErrStateMutationConflict is returned when a view or structural change conflicts with a view
	// that is already held on the same table.
	ErrStateMutationConflict = eris.New("state mutation conflict")

	// ErrViewReleased is returned when a view is used after Release.
	ErrViewReleased = eris.New("view already released")

	// ErrRowOutOfRange is returned when a row index is outside of the table.
	ErrRowOutOfRange = eris.New("row out of range")
)
