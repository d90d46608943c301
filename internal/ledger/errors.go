package ledger

import (
	"errors"
	"fmt"

	"github.com/smartdevs17/indexcheck/internal/storage"
)

// ErrInsufficientCredits matches any InsufficientCreditsError via errors.Is
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrUnknownPackage is returned when a purchase names no configured package
var ErrUnknownPackage = errors.New("unknown credit package")

// InsufficientCreditsError reports a reservation larger than the balance.
// It is caused by the user and is never retried.
type InsufficientCreditsError struct {
	UserID    string
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d requested", e.Requested)
}

// Is makes errors.Is(err, ErrInsufficientCredits) match
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// PersistenceError reports that the store could not complete an operation.
// No partial change was committed; the caller may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is a retryable storage failure
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func classify(op, userID string, requested int64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrInsufficientBalance):
		return &InsufficientCreditsError{UserID: userID, Requested: requested}
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("ledger %s: %w", op, err)
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}
