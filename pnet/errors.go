package pnet

import "errors"

// ErrInvalidFileFormat is returned by ParsePSK when the PSK file does not
// match the expected 3-line format.
var ErrInvalidFileFormat = errors.New("pnet: invalid PSK file format")

// ErrInvalidNonceLength is returned during the nonce-exchange handshake
// when the peer's nonce is not exactly 24 bytes.
var ErrInvalidNonceLength = errors.New("pnet: invalid nonce length")

// ErrConcurrentAccess is returned by Read or Write when a second call for
// the same direction is already in flight: a stream cipher has
// single-producer/single-consumer keystream semantics per direction, and
// overlapping calls would silently desynchronize it.
var ErrConcurrentAccess = errors.New("pnet: concurrent access to protected connection")
