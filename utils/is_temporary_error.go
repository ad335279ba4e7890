package utils

import (
	"context"
	"errors"
	"net"
)

// IsTemporaryErr reports whether err looks transient. Cancellation and nil are
// never transient, timeouts always are, anything else unknown is assumed transient.
func IsTemporaryErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var tempErr interface{ Temporary() bool }
	if errors.As(err, &tempErr) {
		return tempErr.Temporary()
	}
	return true
}
