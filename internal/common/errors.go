package common

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies errors by how callers should react to them.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindTransient errors (timeouts, network loss) are retried with backoff.
	KindTransient
	// KindValidation errors (malformed AI output, schema mismatch) get one re-prompt, then surface.
	KindValidation
	// KindConflict errors (revision mismatch) are resolved by policy, not shown to the user.
	KindConflict
	// KindPermanent errors are surfaced with no further retry.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Kind    Kind
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = &AppError{Code: "NOT_FOUND", Message: "resource not found", Kind: KindPermanent}
	ErrInvalidInput = &AppError{Code: "INVALID_INPUT", Message: "invalid input", Kind: KindValidation}
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = &AppError{Code: "VALIDATION_FAILED", Message: "validation failed", Kind: KindValidation}
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewKindError builds a classified sentinel, typically stored in a package-level var.
func NewKindError(kind Kind, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Kind: kind}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// KindOf walks the error chain and returns the first classification found.
// Deadline expiry counts as transient; explicit cancellation is permanent for the caller.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *AppError
	for e := err; e != nil; {
		if !errors.As(e, &ae) {
			break
		}
		if ae.Kind != KindUnknown {
			return ae.Kind
		}
		e = ae.Cause
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// ToStatus converts an error into a gRPC status error using its Kind.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	switch KindOf(err) {
	case KindTransient:
		return status.Error(codes.Unavailable, err.Error())
	case KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case KindConflict:
		return status.Error(codes.Aborted, err.Error())
	case KindPermanent:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func NotFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}

func InternalError(message string) error {
	return status.Error(codes.Internal, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

func InternalErrorf(format string, args ...interface{}) error {
	return InternalError(fmt.Sprintf(format, args...))
}
