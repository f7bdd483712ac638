package scheduler

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrAmbiguousWriteConflict is returned when two systems write the same table and neither is
	// ordered before the other.
	ErrAmbiguousWriteConflict = eris.New("ambiguous write conflict")

	// ErrUnorderedReadWrite is returned when a system reads a table another system writes and
	// there is no ordering path between them.
	ErrUnorderedReadWrite = eris.New("unordered read/write")

	// ErrDependencyCycle is returned when the after edges form a cycle.
	ErrDependencyCycle = eris.New("dependency cycle")

	// ErrUnknownDependency is returned when a system is ordered after a system that isn't registered.
	ErrUnknownDependency = eris.New("unknown dependency")

	// ErrDuplicateSystem is returned when a system identifier is registered twice.
	ErrDuplicateSystem = eris.New("duplicate system")
)

// WriteConflictError names the table and the two systems of an ambiguous write conflict. Systems
// are in ascending order.
type WriteConflictError struct {
	Table   string
	Systems [2]string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("systems %s and %s both write table %q without an ordering path",
		e.Systems[0], e.Systems[1], e.Table)
}

func (e *WriteConflictError) Unwrap() error {
	return ErrAmbiguousWriteConflict
}

// ReadWriteError names a reader and a writer of the same table that aren't ordered.
type ReadWriteError struct {
	Table  string
	Writer string
	Reader string
}

func (e *ReadWriteError) Error() string {
	return fmt.Sprintf("system %s reads table %q written by %s without an ordering path",
		e.Reader, e.Table, e.Writer)
}

func (e *ReadWriteError) Unwrap() error {
	return ErrUnorderedReadWrite
}

// CycleError lists the systems forming a dependency cycle, starting at the smallest identifier.
// Each member must run before the next one, and the last before the first.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	if len(e.Members) == 0 {
		return "dependency cycle"
	}
	return "dependency cycle: " + strings.Join(e.Members, " -> ") + " -> " + e.Members[0]
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}
