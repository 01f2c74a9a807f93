package shared

import "errors"

// ErrConflict indicates the record changed underneath the caller, typically
// because a concurrent transition won the optimistic status guard.
var ErrConflict = errors.New("conflict")
