package bridge

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-netbridge/tensor"
)

// Kind classifies a command failure
type Kind int

const (
	// KindUsage aborts only the current command
	KindUsage Kind = iota
	// KindInternal means the bridge and the engine disagree; the session is
	// unusable afterwards
	KindInternal
	// KindIO is an unreadable or malformed file; it aborts only the command
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindInternal:
		return "internal"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

var (
	ErrNoCommand       = errors.New("An API command is required.")
	ErrUnknownCommand  = errors.New("API command not recognized")
	ErrArgCount        = errors.New("wrong number of arguments")
	ErrNotInitialized  = errors.New("network not initialized")
	ErrEmptyChannels   = errors.New("empty channel list")
	ErrNegativeChannel = errors.New("channel ids must be non-negative")
	ErrSinglePrecision = errors.New("require single-precision float point data")
	ErrConsistency     = errors.New("internal consistency error")
	ErrBusy            = errors.New("a command is already executing")
	ErrSessionFailed   = errors.New("session failed, start a new session")
	ErrNoAccelerator   = errors.New("no accelerator device attached")

	ErrShapeMismatch = tensor.ErrShapeMismatch
)

// Error is a failed command
type Error struct {
	Kind    Kind
	Command string
	Err     error
}

func (e *Error) Error() string {
	if e.Command == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps err for command, keeping an existing classification
func classify(command string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		if be.Command == "" {
			be.Command = command
		}
		return be
	}

	kind := KindUsage
	switch {
	case errors.Is(err, ErrConsistency), errors.Is(err, tensor.ErrUnknownMode):
		kind = KindInternal
	}
	return &Error{Kind: kind, Command: command, Err: err}
}

func ioError(err error) error {
	return &Error{Kind: KindIO, Err: err}
}

func consistencyError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}
