package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel error kinds. Adapters wrap venue-specific failures with one of
// these so that callers can classify without knowing the venue.
var (
	ErrAuthentication = errors.New("authentication rejected")
	ErrPermission     = errors.New("permission denied")
	ErrRateLimited    = errors.New("rate limited by venue")
	ErrTimeout        = errors.New("request timed out")
	ErrUnavailable    = errors.New("venue temporarily unavailable")
	ErrNotFound       = errors.New("not found on venue")
	ErrInvalidRequest = errors.New("invalid request")
)

// IsFatal reports whether an error should disable the connection for the
// session instead of being retried (bad keys, revoked permissions).
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrPermission)
}

// IsTransient reports whether an error is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unknown venue errors default to transient: one retry cycle is cheaper
	// than tripping failover on a blip.
	return !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrNotFound)
}

// WrapKind annotates err with a sentinel kind, keeping the original message.
func WrapKind(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, err)
}
