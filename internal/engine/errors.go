package engine

import (
	"errors"
	"fmt"
)

// ErrNoneAvailable signals an empty claim result: no ready task matched the
// requesting role. It is a normal outcome, not a failure.
var ErrNoneAvailable = errors.New("no ready task available")

// VersionConflictError reports that the row changed since the caller's read.
// Recoverable: re-read and retry.
type VersionConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s: version conflict: expected %d, stored %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// IllegalTransitionError reports a status change outside the legal table.
// Caller error; never retried.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}
