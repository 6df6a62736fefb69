package driver

import "errors"

// Errors returned by drivers. Implementations wrap them with context so callers
// can classify failures with errors.Is.
var (
	ErrNotRegistered = errors.New("driver: not registered")
	ErrNotStarted    = errors.New("driver: not started")
	ErrNotFound      = errors.New("driver: device not found")
	ErrAccessDenied  = errors.New("driver: access denied")
	ErrBusy          = errors.New("driver: device busy")
	ErrTimeout       = errors.New("driver: timeout")
	ErrInvalidHandle = errors.New("driver: invalid handle")
	ErrNotSupported  = errors.New("driver: feature not supported")
	ErrNotAnnounced  = errors.New("driver: buffer not announced")
	ErrAlreadyQueued = errors.New("driver: buffer already queued")
	ErrCaptureState  = errors.New("driver: capture engine in wrong state")
)
