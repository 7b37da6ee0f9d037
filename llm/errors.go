package llm

import "errors"

// Completion failures fall into two classes: transient ones worth retrying
// (timeouts, 429s, connection resets) and fatal ones where retrying the same
// request cannot help (auth failures, malformed requests). Providers wrap
// their errors in one of these so the retry loop can tell them apart.

// TransientError marks an error as retryable.
type TransientError struct {
	err error
}

// FatalError marks an error as permanent for this request.
type FatalError struct {
	err error
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// NewFatalError wraps err as permanent.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// IsTransient reports whether err is marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is marked permanent anywhere in its chain.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
