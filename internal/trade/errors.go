package trade

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("trade: invalid request")
	ErrNotFound             = errors.New("trade: not found")
	ErrInsufficientFunds    = errors.New("trade: insufficient funds")
	ErrInsufficientQuantity = errors.New("trade: insufficient quantity")
	ErrInsufficientVolume   = errors.New("trade: insufficient volume")
	ErrConcurrencyConflict  = errors.New("trade: concurrent modification")
	ErrCompensationFailed   = errors.New("trade: compensation failed")
)

// IsRejection reports whether err is a business-rule or validation rejection
// that was detected before any mutation.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrInsufficientVolume)
}

// CompensationError reports a trade that partially applied and could not be
// rolled back. The ledger may violate its invariants until repaired.
type CompensationError struct {
	// Cause is the failure that triggered the rollback.
	Cause error
	// Path is the ledger node whose compensating write failed.
	Path string
	// Err is the compensating write failure.
	Err error
	// Pending lists the nodes still holding the aborted trade's values.
	Pending []string
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%s: restoring %s: %v (after: %v)", ErrCompensationFailed, e.Path, e.Err, e.Cause)
}

func (e *CompensationError) Unwrap() []error {
	return []error{ErrCompensationFailed, e.Cause, e.Err}
}
