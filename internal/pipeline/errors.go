package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoListing  = errors.New("no listing data")
	ErrNoAnalysis = errors.New("no analysis result")
)

// TransientError wraps provider failures that are worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PanicError is produced when a pipeline step panics. It is never retried.
type PanicError struct {
	Step  string
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Step, e.Value)
}

// IsRetryable 网络/超时/显式标记的临时错误可重试，其余视为永久错误
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
