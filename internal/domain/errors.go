package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrSizingUnavailable means both the primary and the fallback sizing
	// paths failed; the caller must not place an entry order.
	ErrSizingUnavailable = errors.New("sizing unavailable")

	// ErrLeaseBusy means the position is already being mutated by another
	// worker. Callers skip the current cycle rather than block.
	ErrLeaseBusy = errors.New("position lease busy")

	// ErrConfigUnavailable means the config store is unreachable and the
	// local copy has exceeded its staleness bound. Dependent actions are
	// deferred, never run against an expired copy.
	ErrConfigUnavailable = errors.New("risk config unavailable")

	// ErrExecutionFailed means the execution adapter rejected or timed out
	// an order. The ledger is left untouched.
	ErrExecutionFailed = errors.New("order execution failed")

	// ErrInvariantViolation means an operation would corrupt ledger state
	// (TP re-arm after a fill, negative remaining quantity, mutation of a
	// closed position). The offending operation aborts; committed state is
	// preserved.
	ErrInvariantViolation = errors.New("invariant violation")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
