package core

import "errors"

// Engine-level error taxonomy. NotFound, Conflict, ChecksumMismatch and
// Registration errors surface immediately to the caller that triggered the
// operation. Step failures never do: they are recorded in the corresponding
// TaskExecution and the task transitions to failed.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrRegistration     = errors.New("registration error")
)
