package pnet

import (
	"sync"
	"sync/atomic"

	"github.com/coreswarm/p2pcore/core"
)

// protectedConn is a RawConn with every byte passed through an XSalsa20
// keystream in each direction. Reads and writes are independently guarded
// against concurrent callers: a second concurrent Read (or Write) would
// silently desynchronize that direction's keystream, but one reader and
// one writer operating simultaneously is the normal full-duplex case and
// is allowed.
type protectedConn struct {
	core.RawConn

	reader *xsalsa20Cipher
	writer *xsalsa20Cipher

	readBusy  int32
	writeBusy int32

	closeOnce sync.Once
	closeErr  error
}

var _ core.RawConn = (*protectedConn)(nil)

func newProtectedConn(conn core.RawConn, reader, writer *xsalsa20Cipher) *protectedConn {
	return &protectedConn{RawConn: conn, reader: reader, writer: writer}
}

// Read fills p with plaintext decrypted from the underlying connection.
func (c *protectedConn) Read(p []byte) (int, error) {
	if !atomic.CompareAndSwapInt32(&c.readBusy, 0, 1) {
		return 0, ErrConcurrentAccess
	}
	defer atomic.StoreInt32(&c.readBusy, 0)

	n, err := c.RawConn.Read(p)
	if n > 0 {
		c.reader.xor(p[:n])
	}
	return n, err
}

// Write encrypts p and writes the ciphertext to the underlying
// connection. The caller's buffer is not mutated; encryption happens on a
// private copy.
func (c *protectedConn) Write(p []byte) (int, error) {
	if !atomic.CompareAndSwapInt32(&c.writeBusy, 0, 1) {
		return 0, ErrConcurrentAccess
	}
	defer atomic.StoreInt32(&c.writeBusy, 0)

	buf := make([]byte, len(p))
	copy(buf, p)
	c.writer.xor(buf)
	return c.RawConn.Write(buf)
}

// Close closes both directions of the underlying connection. Idempotent:
// subsequent calls return the same error as the first.
func (c *protectedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.RawConn.Close()
	})
	return c.closeErr
}
