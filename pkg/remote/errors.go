package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches errors for ids that are not registered
	ErrNotFound = errors.New("remote server not found")

	// ErrTimeout matches calls that exceeded their deadline
	ErrTimeout = errors.New("remote call timed out")

	// ErrFailure matches any other remote failure
	ErrFailure = errors.New("remote call failed")

	// ErrAlreadyRegistered is returned when registering a live id twice
	ErrAlreadyRegistered = errors.New("remote server already registered")
)

// Kind classifies a remote-tool error
type Kind int

const (
	KindFailure Kind = iota
	KindNotFound
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

// Error is returned by every orchestrator operation that fails
type Error struct {
	Kind     Kind
	ServerID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("remote server %q not found", e.ServerID)
	case KindTimeout:
		return fmt.Sprintf("remote %s on %q timed out: %v", e.Op, e.ServerID, e.Err)
	default:
		return fmt.Sprintf("remote %s on %q failed: %v", e.Op, e.ServerID, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrFailure:
		return e.Kind == KindFailure
	}
	return false
}

// KindOf returns the kind of a remote error, KindFailure for anything else
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindFailure
}
