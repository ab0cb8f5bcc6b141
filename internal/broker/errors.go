package broker

import (
	"errors"
	"fmt"
)

// AuthError means the tenant's credentials were rejected. The tick skips the
// whole tenant and logs at error level; retrying other items would only
// repeat the failure.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker %s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means the provider throttled us. The tick skips the rest of
// the tenant's items; the next tick starts fresh.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("broker %s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ErrOrderGone marks a cancel against an order the broker no longer tracks
// as live: unknown, or already terminal. Wrapped inside an Error so callers
// can tell "nothing left to cancel" from a transient provider failure.
var ErrOrderGone = errors.New("order is terminal or unknown")

// Error is any other provider failure, scoped to a single order or call.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// IsOrderGone reports whether err wraps ErrOrderGone.
func IsOrderGone(err error) bool {
	return errors.Is(err, ErrOrderGone)
}
