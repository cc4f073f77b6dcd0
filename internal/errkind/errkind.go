package errkind

import (
	"errors"
	"fmt"
)

// Error kinds shared by the engine, the lifecycle controller and the
// control endpoint. Callers classify with errors.Is and wrap with
// fmt.Errorf("...: %w", ...).
var (
	ErrNoCapacity    = errors.New("no capacity")
	ErrAllocFailure  = errors.New("allocation failure")
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrNoSuchProcess = errors.New("no such process")
	ErrInvalidArg    = errors.New("invalid argument")
	ErrTransport     = errors.New("transport failure")
	ErrNotSupported  = errors.New("not supported")
)

// Wire codes used by the control protocol. 0 is success, errors are
// negative.
const (
	CodeOK            int32 = 0
	CodeNoCapacity    int32 = -1
	CodeAllocFailure  int32 = -2
	CodeNotFound      int32 = -3
	CodeDuplicate     int32 = -4
	CodeNoSuchProcess int32 = -5
	CodeInvalidArg    int32 = -6
	CodeTransport     int32 = -7
	CodeNotSupported  int32 = -8
)

// transientTransport marks a transport failure the sender may retry on the
// next scan tick (send-queue congestion rather than a dead endpoint).
type transientTransport struct {
	err error
}

func (t *transientTransport) Error() string { return t.err.Error() }
func (t *transientTransport) Unwrap() error { return ErrTransport }

// TransientTransport wraps err as a retryable transport failure.
func TransientTransport(err error) error {
	return &transientTransport{err: fmt.Errorf("transient transport failure: %w", err)}
}

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	var t *transientTransport
	return errors.As(err, &t)
}

// Code maps err to its control-protocol status code.
func Code(err error) int32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNoCapacity):
		return CodeNoCapacity
	case errors.Is(err, ErrAllocFailure):
		return CodeAllocFailure
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	case errors.Is(err, ErrNoSuchProcess):
		return CodeNoSuchProcess
	case errors.Is(err, ErrInvalidArg):
		return CodeInvalidArg
	case errors.Is(err, ErrTransport):
		return CodeTransport
	case errors.Is(err, ErrNotSupported):
		return CodeNotSupported
	default:
		return CodeInvalidArg
	}
}

// FromCode maps a wire status code back to its error kind, nil for CodeOK.
func FromCode(code int32) error {
	switch code {
	case CodeOK:
		return nil
	case CodeNoCapacity:
		return ErrNoCapacity
	case CodeAllocFailure:
		return ErrAllocFailure
	case CodeNotFound:
		return ErrNotFound
	case CodeDuplicate:
		return ErrDuplicate
	case CodeNoSuchProcess:
		return ErrNoSuchProcess
	case CodeInvalidArg:
		return ErrInvalidArg
	case CodeTransport:
		return ErrTransport
	case CodeNotSupported:
		return ErrNotSupported
	default:
		return fmt.Errorf("unknown status code %d", code)
	}
}
