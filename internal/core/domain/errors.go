package domain

import (
	"context"
	"errors"
)

// FailureCategory classifies an error for retry decisions.
type FailureCategory string

const (
	// CategoryConfiguration is fatal at startup.
	CategoryConfiguration FailureCategory = "configuration"
	// CategoryTransient is retried with bounded backoff.
	CategoryTransient FailureCategory = "transient"
	// CategoryPermanent terminates the job and is recorded in its status.
	CategoryPermanent FailureCategory = "permanent"
	// CategoryConsistency marks a ledger/job divergence to be repaired.
	CategoryConsistency FailureCategory = "consistency"
)

type classifiedError struct {
	err      error
	category FailureCategory
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func classify(err error, c FailureCategory) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, category: c}
}

// Transient marks err as retryable.
func Transient(err error) error { return classify(err, CategoryTransient) }

// Permanent marks err as terminal for the job it belongs to.
func Permanent(err error) error { return classify(err, CategoryPermanent) }

// ConfigurationError marks err as a startup configuration problem.
func ConfigurationError(err error) error { return classify(err, CategoryConfiguration) }

// ConsistencyError marks err as a detected ledger divergence.
func ConsistencyError(err error) error { return classify(err, CategoryConsistency) }

// Classify returns the category of err. Errors from external calls that
// carry no explicit mark are treated as transient; the retry budget bounds
// the cost of a wrong guess.
func Classify(err error) FailureCategory {
	var marked *classifiedError
	if errors.As(err, &marked) {
		return marked.category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	return CategoryTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == CategoryTransient
}
