package rasset

import (
	"errors"
	"fmt"
)

var (
	ErrCacheMiss = errors.New("cache miss")

	ErrInvalidURL        = errors.New("not an http(s) url")
	ErrNotFound          = errors.New("not found")
	ErrSizeLimitExceeded = errors.New("size limit exceeded")
	ErrDecode            = errors.New("couldn't decode image")
)

// TransientError is a failure that may go away on retry: timeouts, connection errors, 5xx.
type TransientError struct {
	// Attempt is the 0-based index of the attempt that failed.
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("attempt #%d failed: %s", e.Attempt+1, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// DecodeError means that the fetched or cached bytes are not a valid image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDecode, e.Err)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying the same request can't help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSizeLimitExceeded) ||
		errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrDecode)
}

func IsTransient(err error) bool {
	var tErr *TransientError
	return errors.As(err, &tErr)
}
