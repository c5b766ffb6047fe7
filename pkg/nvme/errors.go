package nvme

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is returned when the underlying transport could not carry a command.
	ErrTransport = errors.New("transport failure")
	// ErrResourceExhausted is returned when a bounded pool has no free entry.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrCancelled is returned for requests that were torn down before completing.
	ErrCancelled = errors.New("request cancelled")
	// ErrTimeout is returned when a request outlives its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrNoViablePath is returned when no member of a multipath group can serve I/O.
	ErrNoViablePath = errors.New("no viable path")
	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ErrorKind classifies a non-success completion status
type ErrorKind string

const (
	KindCapacityExceeded ErrorKind = "capacity-exceeded"
	KindUnsupported      ErrorKind = "unsupported-operation"
	KindMedium           ErrorKind = "medium-error"
	KindIO               ErrorKind = "io-error"
)

// StatusError is a command that completed with a non-success status
type StatusError struct {
	Opcode uint8
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command 0x%02x failed with status %s (%s)", e.Opcode, e.Status, e.Kind())
}

// Kind maps the status code onto an error class.
func (e *StatusError) Kind() ErrorKind {
	return KindOf(e.Status)
}

// KindOf maps a status onto an error class.
func KindOf(s Status) ErrorKind {
	switch s.Code() {
	case SCCapExceeded:
		return KindCapacityExceeded
	case SCONCSNotSupported, SCInvalidOpcode:
		return KindUnsupported
	case SCWriteFault, SCReadError, SCUnwrittenBlock:
		return KindMedium
	default:
		return KindIO
	}
}

// ErrorFromStatus returns nil for success and a *StatusError otherwise.
func ErrorFromStatus(opcode uint8, s Status) error {
	if s.Success() {
		return nil
	}
	return &StatusError{Opcode: opcode, Status: s}
}

// IsPathError reports whether err indicates the path failed rather than the
// request. Path errors are worth retrying on another member of a group.
func IsPathError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Status.DoNotRetry() && se.Kind() == KindIO
	}
	return false
}
