package mplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coreswarm/p2pcore/core"
	"github.com/coreswarm/p2pcore/varint"
)

// compactThreshold is the consumed-prefix size at which the internal
// read buffer is re-based to the front, to bound how far a connection
// that mostly sends small frames lets its buffer grow before reclaiming
// the already-consumed space.
const compactThreshold = 64 * 1024

const fillChunkSize = 4096

// Session is an Mplex-multiplexed connection: core.MuxedConn over a single
// underlying byte stream. Dedicated incoming/outgoing goroutines own the
// wire; streams are keyed by (id, initiatedLocally) since each peer keeps
// an independent stream-ID counter. There is no flow control: a stream
// that buffers more unread data than its configured cap is reset locally
// instead.
type Session struct {
	conn      io.ReadWriteCloser
	config    *Config
	logger    *zap.Logger
	initiator bool

	nextID uint64 // atomic

	mu      sync.Mutex
	streams map[streamKey]*Stream
	numIn   int

	acceptCh chan *Stream
	sendCh   chan []byte

	shutdownMu  sync.Mutex
	shutdown    bool
	shutdownErr error
	shutdownCh  chan struct{}
	recvDoneCh  chan struct{}
	sendDoneCh  chan struct{}

	buf   []byte
	start int
}

var _ core.MuxedConn = (*Session)(nil)

// NewSession wraps conn in an Mplex multiplexing session. initiator is
// purely advisory for diagnostics: unlike Yamux, Mplex stream identity
// does not depend on a shared odd/even convention, since each side keeps
// an independent ID counter disambiguated by who opened the stream.
func NewSession(conn io.ReadWriteCloser, config *Config, initiator bool, logger *zap.Logger) *Session {
	if config == nil {
		config = NewConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		conn:       conn,
		config:     config,
		logger:     logger,
		initiator:  initiator,
		streams:    make(map[streamKey]*Stream),
		acceptCh:   make(chan *Stream, config.MaxPendingInboundStreams),
		sendCh:     make(chan []byte, 64),
		shutdownCh: make(chan struct{}),
		recvDoneCh: make(chan struct{}),
		sendDoneCh: make(chan struct{}),
	}
	go s.recvLoop()
	go s.sendLoop()
	return s
}

// sendFrame serializes one frame (header varint, length varint, payload)
// onto the single-writer send queue.
func (s *Session) sendFrame(id uint64, t tag, payload []byte) error {
	header := encodeFrameHeader(id, t)
	buf := pool.Get(varint.EncodedLen(header) + varint.EncodedLen(uint64(len(payload))) + len(payload))
	n := 0
	tmp := varint.Encode(nil, header)
	n += copy(buf[n:], tmp)
	tmp = varint.Encode(nil, uint64(len(payload)))
	n += copy(buf[n:], tmp)
	n += copy(buf[n:], payload)
	buf = buf[:n]

	select {
	case <-s.shutdownCh:
		pool.Put(buf)
		return s.shutdownError()
	case s.sendCh <- buf:
		return nil
	}
}

func (s *Session) sendLoop() {
	defer close(s.sendDoneCh)
	for {
		select {
		case <-s.shutdownCh:
			return
		case buf := <-s.sendCh:
			_, err := s.conn.Write(buf)
			pool.Put(buf)
			if err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) recvLoop() {
	defer close(s.recvDoneCh)
	for {
		id, t, payload, err := s.readFrame()
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.dispatch(id, t, payload); err != nil {
			s.fail(err)
			return
		}
	}
}

// readFrame decodes the next (header, length, payload) frame from the
// connection, growing and compacting the internal buffer as needed.
func (s *Session) readFrame() (id uint64, t tag, payload []byte, err error) {
	for {
		header, n1, err1 := varint.Decode(s.buf[s.start:])
		if err1 == nil {
			length, n2, err2 := varint.Decode(s.buf[s.start+n1:])
			if err2 == nil {
				l, err3 := varint.ToIntMax(length, s.config.MaxFrameSize)
				if err3 != nil {
					return 0, 0, nil, &core.FrameTooLargeError{Size: int(length), Max: s.config.MaxFrameSize}
				}
				need := n1 + n2 + l
				for len(s.buf)-s.start < need {
					if limit := s.config.MaxConnReadBuffer; len(s.buf)-s.start+fillChunkSize > limit {
						return 0, 0, nil, errors.New("mplex: connection read buffer exceeded maximum")
					}
					if err := s.fill(); err != nil {
						return 0, 0, nil, err
					}
				}
				id, t = decodeFrameHeader(header)
				payload = s.buf[s.start+n1+n2 : s.start+need]
				s.start += need
				s.maybeCompact()
				return id, t, payload, nil
			}
			if !errors.Is(err2, varint.ErrInsufficientData) {
				return 0, 0, nil, err2
			}
		} else if !errors.Is(err1, varint.ErrInsufficientData) {
			return 0, 0, nil, err1
		}
		if err := s.fill(); err != nil {
			return 0, 0, nil, err
		}
	}
}

func (s *Session) fill() error {
	chunk := make([]byte, fillChunkSize)
	n, err := s.conn.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err != nil {
		if n == 0 {
			return err
		}
	}
	if n == 0 && err == nil {
		return io.ErrNoProgress
	}
	return nil
}

func (s *Session) maybeCompact() {
	if s.start < compactThreshold {
		return
	}
	remaining := len(s.buf) - s.start
	copy(s.buf, s.buf[s.start:])
	s.buf = s.buf[:remaining]
	s.start = 0
}

func (s *Session) dispatch(id uint64, t tag, payload []byte) error {
	if t == tagNewStream {
		return s.admitInbound(id, string(payload))
	}

	key := streamKey{id: id, initiatedLocally: !remoteInitiatedStream(t)}
	s.mu.Lock()
	stream, ok := s.streams[key]
	s.mu.Unlock()
	if !ok {
		return nil // frame for a stream we've already forgotten, or never knew
	}

	switch t {
	case tagMessageInitiator, tagMessageReceiver:
		return stream.handleData(payload)
	case tagCloseInitiator, tagCloseReceiver:
		stream.handleClose()
		return nil
	case tagResetInitiator, tagResetReceiver:
		stream.remoteReset()
		s.removeStream(key)
		return nil
	default:
		return core.NewProtocolError("mplex: unknown frame tag %d", t)
	}
}

func (s *Session) admitInbound(id uint64, name string) error {
	key := streamKey{id: id, initiatedLocally: false}

	s.mu.Lock()
	if _, exists := s.streams[key]; exists {
		s.mu.Unlock()
		return core.NewProtocolError("mplex: duplicate NewStream for id %d", id)
	}
	if len(s.streams) >= s.config.MaxConcurrentStreams {
		s.mu.Unlock()
		s.logger.Warn("mplex: rejecting inbound stream, concurrent stream limit reached", zap.Uint64("stream", id))
		return s.sendFrame(id, tagResetReceiver, nil)
	}
	stream := newStream(s, key, name)
	s.streams[key] = stream
	s.numIn++
	s.mu.Unlock()

	select {
	case s.acceptCh <- stream:
		return nil
	default:
		s.logger.Warn("mplex: accept backlog full, resetting inbound stream", zap.Uint64("stream", id))
		s.removeStream(key)
		return s.sendFrame(id, tagResetReceiver, nil)
	}
}

func (s *Session) removeStream(key streamKey) {
	s.mu.Lock()
	if _, ok := s.streams[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.streams, key)
	if !key.initiatedLocally {
		s.numIn--
	}
	s.mu.Unlock()
}

// OpenStream creates a new locally-initiated stream, emitting its
// NewStream frame before returning.
func (s *Session) OpenStream(ctx context.Context) (core.MuxedStream, error) {
	if s.IsClosed() {
		return nil, s.shutdownError()
	}
	id := atomic.AddUint64(&s.nextID, 1) - 1
	key := streamKey{id: id, initiatedLocally: true}
	name := fmt.Sprint(id)
	stream := newStream(s, key, name)

	s.mu.Lock()
	s.streams[key] = stream
	s.mu.Unlock()

	if err := s.sendFrame(id, tagNewStream, []byte(name)); err != nil {
		s.removeStream(key)
		return nil, err
	}
	return stream, nil
}

// AcceptStream blocks until a peer-initiated stream is admitted, the
// session closes, or ctx is done.
func (s *Session) AcceptStream(ctx context.Context) (core.MuxedStream, error) {
	select {
	case stream := <-s.acceptCh:
		return stream, nil
	case <-s.shutdownCh:
		return nil, s.shutdownError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) shutdownError() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.shutdownErr
}

// IsClosed reports whether the session has begun shutting down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// fail performs an abrupt shutdown: every open stream is failed with err,
// their individual teardown errors aggregated via multierr into one
// structured log event, then the connection is closed.
func (s *Session) fail(err error) {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return
	}
	s.shutdown = true
	if core.IsConnCloseError(err) {
		err = core.ErrConnectionClosed
	}
	s.shutdownErr = err
	s.shutdownMu.Unlock()
	close(s.shutdownCh)

	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[streamKey]*Stream)
	s.mu.Unlock()

	var aggregate error
	for _, st := range streams {
		st.fail(err)
		aggregate = multierr.Append(aggregate, err)
	}
	if aggregate != nil {
		s.logger.Warn("mplex: session closed abruptly", zap.Error(aggregate), zap.Int("streams", len(streams)))
	}
	s.conn.Close()
}

// Close performs a graceful shutdown: marks every stream closed and closes
// the underlying connection. Mplex has no GoAway message, so there is
// nothing to emit beyond draining the send queue.
func (s *Session) Close() error {
	// give the send loop a chance to flush already-queued frames before the
	// shutdown channel closes and races them out of the select in sendLoop.
	for i := 0; i < 1000 && len(s.sendCh) > 0 && !s.IsClosed(); i++ {
		time.Sleep(time.Millisecond)
	}

	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.shutdown = true
	s.shutdownErr = core.ErrConnectionClosed
	s.shutdownMu.Unlock()
	close(s.shutdownCh)

	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[streamKey]*Stream)
	s.mu.Unlock()
	for _, st := range streams {
		st.fail(core.ErrConnectionClosed)
	}

	err := s.conn.Close()
	<-s.recvDoneCh
	<-s.sendDoneCh
	return err
}
