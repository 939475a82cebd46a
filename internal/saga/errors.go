package saga

import "errors"

// ErrRunActive indicates a run with the same id is already live.
var ErrRunActive = errors.New("saga run already active")

// ErrRunNotFound indicates no live run matches the given id.
var ErrRunNotFound = errors.New("saga run not found")

// ErrRunFinished indicates a signal was sent to a run that already completed.
var ErrRunFinished = errors.New("saga run finished")

// ErrMailboxFull indicates a signal was dropped because the run's mailbox
// was at capacity.
var ErrMailboxFull = errors.New("saga run mailbox full")

// ErrJournalMismatch indicates recovery replay diverged from the journal:
// the run requested an operation the journal recorded differently.
var ErrJournalMismatch = errors.New("journal replay mismatch")

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }

func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks an error as non-retryable: the step executor surfaces it
// immediately without consuming further attempts.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether the error carries the non-retryable marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
