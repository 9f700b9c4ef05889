package mplex

import (
	"sync"

	"github.com/coreswarm/p2pcore/core"
)

// streamKey identifies a stream the way both Mplex peers independently do:
// each side maintains its own nextID counter starting at 0, so the same
// numeric ID can legitimately exist twice (once per direction of opening).
type streamKey struct {
	id          uint64
	initiatedLocally bool
}

// Stream is one logical Mplex stream. Unlike Yamux, Mplex has no flow
// control: a sender writes whenever it likes, so Stream instead enforces a
// buffered-but-unread cap (Config.MaxStreamReadBuffer) and resets itself locally if
// exceeded.
type Stream struct {
	session *Session
	key     streamKey
	name    string

	mu sync.Mutex

	pending    [][]byte
	pendingOff int
	bufSize    int

	localClosed  bool
	remoteClosed bool
	readClosed   bool
	err          error

	protocolID string

	readWaiters *core.WaiterList
}

var _ core.MuxedStream = (*Stream)(nil)

func newStream(s *Session, key streamKey, name string) *Stream {
	return &Stream{
		session:     s,
		key:         key,
		name:        name,
		readWaiters: core.NewWaiterList(),
	}
}

// ID returns the stream's local numeric identifier. Note this is only
// unique combined with which side opened the stream; see streamKey.
func (s *Stream) ID() uint64 { return s.key.id }

// Protocol returns the application protocol negotiated for this stream.
func (s *Stream) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolID
}

// SetProtocol records the application protocol negotiated atop this
// stream.
func (s *Stream) SetProtocol(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolID = id
}

// dataTag, closeTag, and resetTag each pick the correct frame tag for this
// side, which depends on which side opened the stream.
func (s *Stream) dataTag() tag {
	if s.key.initiatedLocally {
		return tagMessageInitiator
	}
	return tagMessageReceiver
}

func (s *Stream) closeTag() tag {
	if s.key.initiatedLocally {
		return tagCloseInitiator
	}
	return tagCloseReceiver
}

func (s *Stream) resetTag() tag {
	if s.key.initiatedLocally {
		return tagResetInitiator
	}
	return tagResetReceiver
}

// Read blocks until data is available, the stream is closed, or it is
// reset.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.pending) == 0 && s.err == nil && !s.remoteClosed && !s.readClosed {
		ch := s.readWaiters.Wait()
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	if len(s.pending) == 0 {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, core.ErrStreamClosed
	}
	chunk := s.pending[0][s.pendingOff:]
	n := copy(p, chunk)
	s.pendingOff += n
	s.bufSize -= n
	if s.pendingOff >= len(s.pending[0]) {
		s.pending = s.pending[1:]
		s.pendingOff = 0
	}
	s.mu.Unlock()
	return n, nil
}

// Write sends p as one or more Message frames, chunked to the connection's
// configured maximum frame size. There is no flow control: Write never
// blocks on the peer.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	if s.localClosed {
		s.mu.Unlock()
		return 0, core.ErrStreamClosed
	}
	tg := s.dataTag()
	s.mu.Unlock()

	max := s.session.config.MaxFrameSize
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		if err := s.session.sendFrame(s.key.id, tg, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// CloseWrite half-closes the stream for writing.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	tg := s.closeTag()
	fullyClosed := s.fullyClosedLocked()
	s.mu.Unlock()

	if err := s.session.sendFrame(s.key.id, tg, nil); err != nil {
		return err
	}
	if fullyClosed {
		s.session.removeStream(s.key)
	}
	return nil
}

// CloseRead stops delivering further reads locally. Data already buffered
// is still delivered first.
func (s *Stream) CloseRead() error {
	s.mu.Lock()
	s.readClosed = true
	s.mu.Unlock()
	s.readWaiters.Broadcast()
	return nil
}

// Close gracefully closes both halves: CloseWrite then CloseRead.
func (s *Stream) Close() error {
	err := s.CloseWrite()
	s.CloseRead()
	return err
}

// Reset abruptly terminates the stream, notifying the peer.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil
	}
	s.err = core.ErrStreamReset
	tg := s.resetTag()
	s.mu.Unlock()
	s.readWaiters.Broadcast()

	err := s.session.sendFrame(s.key.id, tg, nil)
	s.session.removeStream(s.key)
	return err
}

// remoteReset marks the stream reset by the peer; unlike Reset it does not
// send anything back.
func (s *Stream) remoteReset() {
	s.mu.Lock()
	if s.err == nil {
		s.err = core.ErrStreamReset
	}
	s.remoteClosed = true
	s.mu.Unlock()
	s.readWaiters.Broadcast()
}

// fail marks the stream permanently failed (connection-level shutdown)
// and wakes every blocked reader.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.readWaiters.Broadcast()
}

// handleData appends an inbound Message frame's payload, resetting the
// stream locally if the unread buffer cap is exceeded.
func (s *Stream) handleData(payload []byte) error {
	s.mu.Lock()
	if s.remoteClosed {
		s.mu.Unlock()
		return nil // peer sent data after its own close; ignore
	}
	if s.bufSize+len(payload) > s.session.config.MaxStreamReadBuffer {
		limit := s.session.config.MaxStreamReadBuffer
		s.err = &core.ReadBufferOverflowError{Limit: limit}
		tg := s.resetTag()
		s.mu.Unlock()
		s.readWaiters.Broadcast()
		s.session.sendFrame(s.key.id, tg, nil)
		s.session.removeStream(s.key)
		return nil
	}
	if len(payload) > 0 {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.pending = append(s.pending, buf)
		s.bufSize += len(buf)
	}
	s.mu.Unlock()
	if len(payload) > 0 {
		s.readWaiters.Signal()
	}
	return nil
}

// handleClose marks the stream half-closed from the remote side.
func (s *Stream) handleClose() {
	s.mu.Lock()
	s.remoteClosed = true
	fullyClosed := s.fullyClosedLocked()
	s.mu.Unlock()
	s.readWaiters.Broadcast()
	if fullyClosed {
		s.session.removeStream(s.key)
	}
}

// fullyClosedLocked reports whether both halves are closed. Caller must
// hold s.mu.
func (s *Stream) fullyClosedLocked() bool {
	return s.localClosed && s.remoteClosed
}
