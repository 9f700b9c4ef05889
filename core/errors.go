package core

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Sentinel errors shared by every muxer implementation's Close/Reset
// vocabulary.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrStreamClosed     = errors.New("stream closed")
	ErrStreamReset      = errors.New("stream reset")
)

// ProtocolError is a fatal, connection-wide protocol violation. Any
// ProtocolError observed by a muxer's read loop triggers an abrupt
// shutdown of the whole connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// NewProtocolError constructs a ProtocolError with a formatted reason.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// FrameTooLargeError reports a frame whose declared length exceeds the
// configured maximum for its connection.
type FrameTooLargeError struct {
	Size, Max int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d bytes (max %d)", e.Size, e.Max)
}

// ReadBufferOverflowError reports a stream whose buffered-but-unread data
// exceeded its configured cap (Mplex's no-flow-control memory guard).
type ReadBufferOverflowError struct {
	Limit int
}

func (e *ReadBufferOverflowError) Error() string {
	return fmt.Sprintf("read buffer overflow: exceeded %d bytes", e.Limit)
}

// MaxStreamsExceededError reports an inbound stream rejected because the
// connection is already at its concurrent-stream limit.
type MaxStreamsExceededError struct {
	Limit int
}

func (e *MaxStreamsExceededError) Error() string {
	return fmt.Sprintf("too many concurrent streams (limit %d)", e.Limit)
}

// StreamIDReusedError reports an inbound SYN/NewStream for an ID that is
// already in use.
type StreamIDReusedError struct {
	ID uint64
}

func (e *StreamIDReusedError) Error() string {
	return fmt.Sprintf("stream id %d already in use", e.ID)
}

// ErrStreamIDExhausted is returned by OpenStream when the local stream-ID
// counter has reached its natural limit and cannot allocate another ID
// without wrapping.
var ErrStreamIDExhausted = errors.New("stream id space exhausted")

// ErrKeepAliveTimeout is a fatal Yamux connection error: an outstanding
// ping received no pong within the keep-alive timeout.
var ErrKeepAliveTimeout = errors.New("keepalive timeout: no pong received")

// isConnCloseErrorCommon covers the platform-independent cases; the
// platform-specific errno cases live in conn_errors_unix.go /
// conn_errors_windows.go.
func isConnCloseErrorCommon(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
