package repositories

import "errors"

// Sentinel errors returned by repository methods. Callers compare with
// errors.Is to distinguish expected conditions from database failures.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an insert or update violates a unique
	// constraint: duplicate agent name, username, email, or a port/pid
	// already claimed by another agent row.
	ErrConflict = errors.New("record already exists")

	// ErrStatusChanged is returned by compare-and-set updates when the row
	// exists but its status no longer matches the expected value. The
	// caller lost a race and must re-read before retrying.
	ErrStatusChanged = errors.New("agent status changed concurrently")
)
