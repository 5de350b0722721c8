package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the coarse class of a Firestore failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a Firestore failure tagged with the operation that produced it.
type Error struct {
	Op   string
	Code codes.Code
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("firestore %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: firestore %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the SDK error.
func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports a missing document or collection.
func (e *Error) IsNotFound() bool { return e != nil && e.Kind == KindNotFound }

// IsConflict reports a rejected precondition or aborted transaction.
func (e *Error) IsConflict() bool { return e != nil && e.Kind == KindConflict }

// IsUnavailable reports a transient backend outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == KindUnavailable }

func classify(code codes.Code) Kind {
	switch code {
	case codes.NotFound:
		return KindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return KindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// WrapError tags err with op and its Kind. Cancellation and deadline errors are returned as the
// matching context errors so callers can test them with errors.Is.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		return existing
	}
	return &Error{Op: op, Code: code, Kind: classify(code), Err: err}
}

// KindOf returns the Kind of a wrapped or raw gRPC error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.Kind
	}
	return classify(status.Code(err))
}

// IsNotFound reports whether err, wrapped or not, is a not-found failure.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
