package domain

import "errors"

var (
	// ErrNoActiveSession is returned when a mutation is attempted without an
	// authenticated user. Never applied silently to an undefined account.
	ErrNoActiveSession = errors.New("no active session")

	// ErrInvalidSelection indicates a quantity or intensity absent from the
	// preset's tables. The calculation never falls back to zero.
	ErrInvalidSelection = errors.New("invalid selection")

	// ErrSessionBusy rejects a mutation arriving while another is in flight
	// for the same user. The caller retries manually; nothing is queued.
	ErrSessionBusy = errors.New("a request is already in progress")

	// ErrPresetNotFound is returned when a catalog preset cannot be located.
	ErrPresetNotFound = errors.New("preset not found")
)
