package session

import (
	"errors"
	"fmt"
)

// CapacityErrorKind identifies why a session could not be opened
type CapacityErrorKind string

const (
	TableFull CapacityErrorKind = "table full"
)

// CapacityError reports that the table has no free slot. The connection it
// was opened for is established but unmanaged; the caller must force-close it.
type CapacityError struct {
	Kind     CapacityErrorKind
	Capacity int
}

// Error implements the error interface
func (e *CapacityError) Error() string {
	if e.Capacity == 0 {
		return fmt.Sprintf("session %s", e.Kind)
	}
	return fmt.Sprintf("session %s (capacity %d)", e.Kind, e.Capacity)
}

// Is allows errors.Is to compare CapacityError values by Kind
func (e *CapacityError) Is(target error) bool {
	t, ok := target.(*CapacityError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	// ErrTableFull matches every full-table CapacityError
	ErrTableFull = &CapacityError{Kind: TableFull}
	// ErrDuplicateHandle reports an open for a handle that already has a
	// live session, a protocol inconsistency on the stack side
	ErrDuplicateHandle = errors.New("handle already has an open session")
	// ErrShutdown is returned by Open after Shutdown
	ErrShutdown = errors.New("session table is shut down")
)
