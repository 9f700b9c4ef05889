// Package pnet implements the Private-Network (PNet) wrapper: a 24-byte
// nonce exchange followed by XSalsa20 symmetric encryption of every
// subsequent byte on a raw connection, so peers without the pre-shared key
// cannot make sense of anything exchanged afterward, including the
// security handshake itself.
package pnet

import (
	"io"

	"github.com/coreswarm/p2pcore/core"

	"lukechampine.com/frand"
)

const nonceSize = 24

// Protector wraps a RawConn in PSK-keyed XSalsa20 encryption.
type Protector struct {
	key PSK
}

var _ core.PNetProtector = (*Protector)(nil)

// NewProtector returns a Protector keyed by psk.
func NewProtector(psk PSK) *Protector {
	return &Protector{key: psk}
}

// Fingerprint returns the configured PSK's network fingerprint.
func (p *Protector) Fingerprint() [32]byte { return p.key.Fingerprint() }

// Protect performs the nonce exchange handshake and returns conn wrapped
// in a bidirectional XSalsa20 cipher.
func (p *Protector) Protect(conn core.RawConn) (core.RawConn, error) {
	var localNonce [nonceSize]byte
	frand.Read(localNonce[:])

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(localNonce[:])
		writeErr <- err
	}()

	var remoteNonce [nonceSize]byte
	if _, err := io.ReadFull(conn, remoteNonce[:]); err != nil {
		<-writeErr
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrInvalidNonceLength
		}
		return nil, err
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}

	key := [32]byte(p.key)
	writer := newXSalsa20Cipher(&key, &localNonce)
	reader := newXSalsa20Cipher(&key, &remoteNonce)
	return newProtectedConn(conn, reader, writer), nil
}
