package guard

import (
	"errors"
	"fmt"
	"strings"
)

// RetryableError marks a transient broker failure (network blips,
// 5xx responses, broker-side rate limiting). The guard retries these
// with backoff, without an attempt bound.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// FatalError marks a failure that must stop trading: invalid
// credentials, rejected session, anything the broker will keep
// rejecting until an operator intervenes.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// defaultAuthErrorCodes are substrings that identify an
// authentication failure in a broker error message. Brokers are not
// consistent about status codes, so the match is on the message text.
var defaultAuthErrorCodes = []string{
	"401",
	"403",
	"invalid_token",
	"token expired",
	"unauthorized",
	"authentication failed",
}

func matchesAuthFailure(err error, codes []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, code := range codes {
		if strings.Contains(msg, strings.ToLower(code)) {
			return true
		}
	}
	return false
}
