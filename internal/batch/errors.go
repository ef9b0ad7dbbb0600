package batch

import "errors"

var (
	// ErrJobNotFound is returned by every operation given an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by CreateJob when the id is already taken.
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotPending is returned by Start when the job already ran.
	ErrJobNotPending = errors.New("job is not pending")
)

// PermanentError wraps a handler failure that must not be retried, such as
// a malformed item that would fail identically on every attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
