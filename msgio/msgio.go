// Package msgio implements length-prefixed message I/O: a single varint
// byte-count followed by that many bytes of payload. This is the framing
// every higher protocol in this module is built on, from multistream-select
// messages to application-protocol request/response pairs running over a
// muxed stream.
package msgio

import (
	"errors"
	"io"

	"github.com/coreswarm/p2pcore/core"
	"github.com/coreswarm/p2pcore/varint"
)

// DefaultMaxMessageSize is the default message-size ceiling used by
// multistream-select (64 KiB). Application protocols running over a muxed
// stream typically construct their own BufferedStreamReader with a larger
// maximum.
const DefaultMaxMessageSize = 64 * 1024

// compactThreshold is the consumed-prefix size at which the internal
// buffer is re-based to the front, so a long-lived reader doesn't grow its
// buffer forever just because old, already-consumed bytes are still at the
// front of it.
const compactThreshold = 64 * 1024

// fillChunkSize is how much new data is requested from the underlying
// reader per Read call while searching for a complete message.
const fillChunkSize = 4096

// ErrMessageTooLarge is returned when a decoded message length exceeds the
// reader's configured maximum.
type ErrMessageTooLarge struct {
	Size, Max int
}

func (e *ErrMessageTooLarge) Error() string {
	return "msgio: message too large"
}

// BufferedStreamReader reads one length-prefixed message at a time from an
// underlying io.Reader, maintaining a persistent buffer across calls so
// that a coalesced read (header plus body arriving in one underlying Read)
// is consumed in order without blocking for more data than necessary.
type BufferedStreamReader struct {
	r   io.Reader
	buf []byte // buf[start:] is unconsumed data
	start int
	max   int
}

// NewBufferedStreamReader constructs a reader over r with the given
// maximum message size.
func NewBufferedStreamReader(r io.Reader, maxMessageSize int) *BufferedStreamReader {
	return &BufferedStreamReader{r: r, max: maxMessageSize}
}

// ReadMessage reads and returns the next length-prefixed message's
// payload. The returned slice is only valid until the next call to
// ReadMessage or DrainRemainder; callers that need to retain it must copy.
func (b *BufferedStreamReader) ReadMessage() ([]byte, error) {
	b.maybeCompact()
	for {
		length, prefixLen, err := varint.Decode(b.buf[b.start:])
		if err == nil {
			n, err := varint.ToIntMax(length, b.max)
			if err != nil {
				return nil, &ErrMessageTooLarge{Size: int(length), Max: b.max}
			}
			need := prefixLen + n
			for len(b.buf)-b.start < need {
				if err := b.fill(); err != nil {
					return nil, err
				}
			}
			msg := b.buf[b.start+prefixLen : b.start+need]
			b.start += need
			return msg, nil
		}
		if !errors.Is(err, varint.ErrInsufficientData) {
			return nil, err
		}
		if err := b.fill(); err != nil {
			return nil, err
		}
	}
}

// fill reads more bytes from the underlying reader into the internal
// buffer. An EOF with no bytes read mid-message surfaces as
// core.ErrStreamClosed.
func (b *BufferedStreamReader) fill() error {
	chunk := make([]byte, fillChunkSize)
	n, err := b.r.Read(chunk)
	if n > 0 {
		b.buf = append(b.buf, chunk[:n]...)
	}
	if err != nil {
		if n == 0 {
			if errors.Is(err, io.EOF) {
				return core.ErrStreamClosed
			}
			return err
		}
		// bytes were delivered alongside the error; surface the bytes now
		// and let the next fill() call observe the error again.
	}
	if n == 0 && err == nil {
		// a reader that legitimately returns (0, nil) is non-conformant,
		// but guard against a busy-loop regardless.
		return io.ErrNoProgress
	}
	return nil
}

func (b *BufferedStreamReader) maybeCompact() {
	if b.start < compactThreshold {
		return
	}
	remaining := len(b.buf) - b.start
	copy(b.buf, b.buf[b.start:])
	b.buf = b.buf[:remaining]
	b.start = 0
}

// DrainRemainder returns any bytes buffered beyond the last consumed
// message, handing them over to the next protocol layer (e.g. bytes that
// arrived after multistream-select's last negotiation message, which
// belong to the newly-selected protocol). The reader must not be used
// again after calling DrainRemainder.
func (b *BufferedStreamReader) DrainRemainder() []byte {
	rest := b.buf[b.start:]
	b.start = len(b.buf)
	return rest
}
