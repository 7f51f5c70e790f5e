package reminder

import "errors"

var (
	// ErrNotFound reports that the referenced reminder does not exist. It
	// covers deletes of already-fired one-offs as well as bad ids.
	ErrNotFound = errors.New("reminder not found")

	// ErrInvalidSchedule rejects malformed creation input (empty message,
	// unknown policy or filter, one-off scheduled in the past).
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrLimitExceeded rejects creation once a target holds the configured
	// maximum number of reminders.
	ErrLimitExceeded = errors.New("reminder limit exceeded")
)
