package tus

import "errors"

var (
	// ErrProtocolViolation marks a request signal that is missing or
	// semantically invalid. Never retried.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConflict marks a client-correctable conflict: an out-of-sync append
	// offset, an over-long chunk, or a filename collision with overwrite
	// disabled.
	ErrConflict = errors.New("conflict")

	// ErrGone marks a resource id that is unknown to the store or whose
	// backing file has vanished. Terminal for that resource.
	ErrGone = errors.New("resource gone")

	// ErrTooLarge marks a declared length above the advertised maximum.
	ErrTooLarge = errors.New("upload too large")
)
