package service

import (
	"errors"
	"fmt"
)

var (
	// ErrLaunch wraps failures to start a worker process.
	ErrLaunch = errors.New("failed to start worker")
	// ErrTimeout is returned when the worker exceeds the configured timeout.
	ErrTimeout = errors.New("worker timed out")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("manager is closed")
	// ErrInvalidInput is returned for an upload without a usable file name.
	ErrInvalidInput = errors.New("invalid input file name")

	errCancelled = errors.New("job cancelled")
)

const unknownError = "unknown error"

// WorkerError is a worker which exited with a non-zero code. Message is
// taken from the ERROR: line of its output.
type WorkerError struct {
	ExitCode int
	Message  string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker exited with %d: %s", e.ExitCode, e.Message)
}

// failureMessage is the text stored in the record of a failed job.
func failureMessage(err error) string {
	var werr *WorkerError
	switch {
	case errors.As(err, &werr):
		return werr.Message
	case errors.Is(err, ErrLaunch):
		return ErrLaunch.Error()
	case errors.Is(err, ErrTimeout):
		return ErrTimeout.Error()
	case err == nil:
		return unknownError
	}
	return err.Error()
}
