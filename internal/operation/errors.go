package operation

import (
	"errors"
	"strings"
)

var (
	// ErrBusy is returned when an environment is bound to an in-flight
	// operation. Requests are rejected, never queued.
	ErrBusy = errors.New("environment is busy")

	// ErrUnknownOperation is returned for operation IDs the coordinator does
	// not hold.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrTimeout marks a step that ran past its configured timeout.
	ErrTimeout = errors.New("timed out")

	// ErrNotInstalled is returned when a package is missing from an
	// environment.
	ErrNotInstalled = errors.New("package not installed")

	// ErrRequirementsFile is returned for a requirements file that is
	// missing or not a regular file.
	ErrRequirementsFile = errors.New("unusable requirements file")
)

// OpError attaches operation context to a Registry or Runner error.
type OpError struct {
	Op   Kind
	Step string
	Env  string
	Err  error

	// Partial is set when earlier steps changed the disk before the
	// failure. Nothing is rolled back.
	Partial bool
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Op))
	if e.Env != "" {
		b.WriteString(" ")
		b.WriteString(e.Env)
	}
	if e.Step != "" {
		b.WriteString(": ")
		b.WriteString(e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Partial {
		b.WriteString(" (partial state left in place)")
	}
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}
