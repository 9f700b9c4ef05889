//go:build windows

package core

import (
	"errors"
	"syscall"
)

// IsConnCloseError returns true if the error is from the peer closing the
// connection early.
func IsConnCloseError(err error) bool {
	if err == nil {
		return false
	}
	if isConnCloseErrorCommon(err) {
		return true
	}
	return errors.Is(err, syscall.Errno(10041)) || // WSAEPROTOTYPE
		errors.Is(err, syscall.WSAECONNABORTED) ||
		errors.Is(err, syscall.WSAECONNRESET)
}
