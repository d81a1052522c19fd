package store

import "errors"

// Error taxonomy for the resource store (spec §7). These are sentinel
// values wrapped with fmt.Errorf("%w: ...") at call sites so errors.Is
// keeps working through the wrapping.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrCorrupt         = errors.New("store: corrupt resource")
)
