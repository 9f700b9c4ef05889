//go:build !windows

package core

import (
	"errors"
	"syscall"
)

// IsConnCloseError reports whether err represents the remote end tearing
// down the underlying transport (as opposed to a genuine protocol
// violation or local error).
func IsConnCloseError(err error) bool {
	if err == nil {
		return false
	}
	if isConnCloseErrorCommon(err) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
