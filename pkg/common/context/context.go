package context

import (
	"context"
	"errors"
	"time"

	bferrors "github.com/vnykmshr/bucketflow/pkg/common/errors"
)

// WithOptionalTimeout bounds ctx by timeout when timeout is positive. A zero or
// negative timeout leaves the parent deadline (if any) untouched.
func WithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// IsCanceled returns true if the context has been canceled
func IsCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// IsTimedOut returns true if the context was canceled due to a timeout
func IsTimedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// Classify converts an error raised by operation op into the library taxonomy:
// deadline failures become *TimeoutError, anything else *TransactionError.
// A nil err stays nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var timeoutErr *bferrors.TimeoutError
	var txErr *bferrors.TransactionError
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &txErr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &bferrors.TimeoutError{Op: op, Err: err}
	default:
		return &bferrors.TransactionError{Op: op, Err: err}
	}
}
