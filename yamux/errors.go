package yamux

import "fmt"

// WriteTimeoutError is wrapped, together with a *core.ProtocolError, in the
// error Stream.Write returns when the send window does not recover within
// the session's configured WriteTimeout.
type WriteTimeoutError struct{ StreamID uint32 }

func (e *WriteTimeoutError) Error() string {
	return fmt.Sprintf("yamux: stream %d: write timed out waiting for window update", e.StreamID)
}
