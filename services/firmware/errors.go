package firmware

import "errors"

// Error kinds surfaced by the firmware components. Anything not wrapping one
// of these is an I/O failure.
var (
	ErrValidation       = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
	ErrAmbiguous        = errors.New("ambiguous match")
	ErrCorruption       = errors.New("corrupt artifact")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("already exists")
	ErrMissingHeaders   = errors.New("missing updater headers")
)
