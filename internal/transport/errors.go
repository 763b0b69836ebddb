package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Class is the retry class of a transport failure.
type Class int

const (
	ClassNone Class = iota
	ClassRateLimited
	ClassTransient
	ClassFatal
	// ClassCanceled means the caller gave up; nothing was attempted.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// RateLimited marks err as a server-side flood wait. The caller should sleep
// exactly after before trying again.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		err = errors.New("rate limited")
	}
	if after < 0 {
		after = 0
	}
	return rateLimitedError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string             { return fmt.Sprintf("rate-limited(%s): %v", e.after, e.err) }
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }

// Transient marks err as retryable (timeouts, dropped connections).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// Classify maps err onto a retry class. Cancellation wins, then explicit
// wrappers; otherwise network timeouts and connection errors are transient and
// everything else is fatal.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return ClassNone, 0
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled, 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ClassRateLimited, ra.RetryAfter()
	}
	var te transientError
	if errors.As(err, &te) {
		return ClassTransient, 0
	}
	if IsNetworkError(err) {
		return ClassTransient, 0
	}
	return ClassFatal, 0
}

// IsNetworkError reports timeouts and connection-level failures.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
