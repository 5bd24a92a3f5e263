package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/errs"
)

// Retryable reports whether err is a transport or transient server error
// worth retrying. Application statuses (already exists, not found, invalid
// argument, ...), caller cancellation and errs.Error values are not
// retryable. Other errors without a status are treated as transport
// failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if _, ok := errs.KindOf(err); ok {
		return false
	}
	switch status.Code(err) {
	case codes.Unknown,
		codes.Unavailable,
		codes.Internal,
		codes.Aborted,
		codes.ResourceExhausted,
		codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// IsDeadlineExceeded reports whether err is a deadline status or a context
// deadline.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded
}
