package engine

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrAdvancing is returned when the driver is asked to advance, save or restore while a tick is
	// already running.
	ErrAdvancing = eris.New("driver is advancing")

	// ErrUndeclaredAccess is returned when a system touches a table it didn't declare.
	ErrUndeclaredAccess = eris.New("undeclared table access")

	// ErrSystemFault is the sentinel every SystemFault unwraps to.
	ErrSystemFault = eris.New("system fault")
)

// SystemFault records a system that returned an error or panicked during a tick. The tables it
// wrote were rolled back to their values before the system ran.
type SystemFault struct {
	SystemID string
	Tick     uint64
	Cause    error
}

func (f *SystemFault) Error() string {
	return fmt.Sprintf("system %s faulted at tick %d: %v", f.SystemID, f.Tick, f.Cause)
}

// Unwrap returns both the sentinel and the cause so either can be matched.
func (f *SystemFault) Unwrap() []error {
	return []error{ErrSystemFault, f.Cause}
}
