package ticket

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned across the registry. Callers should test with errors.Is.
var (
	// ErrNotFound means the id never existed or was fully deleted.
	ErrNotFound = errors.New("ticket not found")
	// ErrExpired means the ticket exists but is invalid per its policy or
	// its ancestry.
	ErrExpired = errors.New("ticket expired")
	// ErrDuplicate is returned when adding an id that already exists.
	ErrDuplicate = errors.New("duplicate ticket id")
	// ErrTypeMismatch means the stored type is not assignable to the
	// requested type.
	ErrTypeMismatch = errors.New("ticket type mismatch")
	// ErrBackendUnavailable wraps connectivity and timeout failures from a
	// store. The registry never retries.
	ErrBackendUnavailable = errors.New("ticket backend unavailable")
	// ErrInvalidParent reports a violation of the parenting rules.
	ErrInvalidParent = errors.New("invalid parent ticket")
	// ErrUnknownType reports a type tag or id prefix not in the catalog.
	ErrUnknownType = errors.New("unknown ticket type")
	// ErrServiceMismatch means a service ticket was presented by a
	// service other than the one it was issued for.
	ErrServiceMismatch = errors.New("ticket issued for another service")
	// ErrCorrupt is matched by every DeserializationError.
	ErrCorrupt = errors.New("corrupt ticket record")
)

// DeserializationError reports a stored body that could not be turned
// back into a ticket: unknown type tag or a body that does not fit the
// type's shape. It is a data integrity fault and is never coerced.
type DeserializationError struct {
	ID   string
	Type Type
	Err  error
}

func (e *DeserializationError) Error() string {
	var b strings.Builder
	b.WriteString("deserialize ticket")
	if e.ID != "" {
		fmt.Fprintf(&b, " %s", e.ID)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " (type %s)", e.Type)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// Is makes every DeserializationError match ErrCorrupt.
func (e *DeserializationError) Is(target error) bool { return target == ErrCorrupt }

// PartialCascadeError is returned when a cascading delete stops before
// removing the whole subtree. Removed counts tickets actually deleted;
// Remaining lists the ids still stored. The remaining tickets already
// fail the ancestor check because the root was removed first.
type PartialCascadeError struct {
	Root      string
	Removed   int
	Remaining []string
	Err       error
}

func (e *PartialCascadeError) Error() string {
	return fmt.Sprintf("cascade delete of %s removed %d, %d remaining: %v", e.Root, e.Removed, len(e.Remaining), e.Err)
}

func (e *PartialCascadeError) Unwrap() error { return e.Err }
