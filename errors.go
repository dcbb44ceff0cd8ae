package dispatch

import "errors"

var (
	// Configuration errors.
	ErrUnknownCategory      = errors.New("dispatch: unknown category")
	ErrInvalidConfig        = errors.New("dispatch: invalid configuration")
	ErrNoEligibleCredential = errors.New("dispatch: no eligible credential")

	// Admission errors.
	ErrQueueFull = errors.New("dispatch: waiting list full")
	ErrClosed    = errors.New("dispatch: dispatcher closed")

	// Settlement errors.
	ErrDeadlineExceeded = errors.New("dispatch: deadline exceeded")
	ErrCancelled        = errors.New("dispatch: request cancelled")

	// State errors.
	ErrInvalidState   = errors.New("dispatch: invalid state transition")
	ErrNilTask        = errors.New("dispatch: nil task")
	ErrUnknownRequest = errors.New("dispatch: unknown request")
)
