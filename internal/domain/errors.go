package domain

import "errors"

var (
	// ErrNotFound is wrapped by stores when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSuperseded is wrapped by stores when a conditional append finds the
	// conversation already moved past the expected message.
	ErrSuperseded = errors.New("conversation moved past expected message")
)
