package posematch

import (
	"errors"
	"fmt"

	"github.com/hupe1980/posematch/engine"
)

var (
	// ErrNotBuilt is returned when a query is issued before Build.
	ErrNotBuilt = errors.New("database has not been built")

	// ErrNoSequences is returned when Build is called on an empty database.
	ErrNoSequences = errors.New("no sequences added")

	// ErrAlreadyBuilt is returned when sequences are added after Build.
	ErrAlreadyBuilt = errors.New("database has already been built")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a query/layout dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *engine.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}
	if errors.Is(err, engine.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	return err
}
