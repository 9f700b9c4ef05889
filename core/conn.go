// Package core defines the interfaces shared by every layer of the
// connection-upgrade stack: raw and secured byte-stream connections,
// multiplexed connections, and the logical streams they carry.
package core

import (
	"context"
	"io"
)

// RawConn is a duplex byte-stream connection between two peers, prior to
// any security handshake or multiplexing. Implementations are supplied by
// an underlying transport (TCP, QUIC, in-memory) and are consumed, not
// produced, by this module.
type RawConn interface {
	io.ReadWriteCloser

	// LocalAddr and RemoteAddr are opaque address strings; the transport
	// that produced this RawConn decides their format.
	LocalAddr() string
	RemoteAddr() string
}

// SecureConn is a RawConn that has additionally been authenticated: both
// sides know the peer identity they are talking to. SecureConn is produced
// by a security upgrader (Noise, TLS, ...) that is outside the scope of
// this module; this module only consumes the interface.
type SecureConn interface {
	RawConn

	LocalPeer() string
	RemotePeer() string
}

// MuxedStream is a logical duplex byte channel inside a MuxedConn. Whether
// it is flow-controlled depends on the muxer (Yamux: yes; Mplex: no).
type MuxedStream interface {
	io.Reader
	io.Writer

	// ID is the stream identifier on the wire. Its meaning (odd/even,
	// independent per-initiator counters, ...) is muxer-specific.
	ID() uint64

	// Protocol returns the negotiated protocol ID for this stream, if any
	// has been set via SetProtocol.
	Protocol() string
	SetProtocol(id string)

	// CloseWrite closes the write half only; the peer observes EOF on its
	// next Read once buffered data is delivered.
	CloseWrite() error
	// CloseRead closes the read half only; subsequent Reads return
	// ErrStreamClosed without waiting for more data. Buffered data already
	// queued is still delivered first.
	CloseRead() error
	// Close gracefully closes both halves: equivalent to CloseRead then
	// CloseWrite, without discarding unread buffered data.
	Close() error
	// Reset abruptly terminates the stream in both directions and
	// discards any buffered, unread data.
	Reset() error
}

// MuxedConn multiplexes many MuxedStreams over a single SecureConn.
type MuxedConn interface {
	// OpenStream creates a new outbound logical stream. It does not block
	// on any handshake with the peer; the peer learns of the stream only
	// once data (or an explicit open frame) is sent.
	OpenStream(ctx context.Context) (MuxedStream, error)
	// AcceptStream blocks until a peer-initiated stream is available, the
	// connection closes, or ctx is done.
	AcceptStream(ctx context.Context) (MuxedStream, error)
	// Close tears down the multiplexed connection: closes every open
	// stream, stops the background read loop, and closes the underlying
	// SecureConn.
	Close() error
	// IsClosed reports whether shutdown has begun, through Close or a
	// fatal connection failure.
	IsClosed() bool
}

// Muxer upgrades a SecureConn into a MuxedConn.
type Muxer interface {
	// Protocol is the multistream-select protocol ID this muxer answers
	// to, e.g. "/yamux/1.0.0" or "/mplex/6.7.0".
	Protocol() string
	// Multiplex wraps conn in a MuxedConn. isInitiator determines which
	// side of any ID-parity convention (e.g. Yamux's odd/even stream IDs)
	// this side plays.
	Multiplex(conn SecureConn, isInitiator bool) (MuxedConn, error)
}

// PNetProtector wraps a RawConn in private-network XSalsa20 encryption,
// performing the nonce exchange described in pnet's package doc.
type PNetProtector interface {
	Protect(conn RawConn) (RawConn, error)
}
