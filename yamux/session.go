package yamux

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coreswarm/p2pcore/core"
)

// Session is a Yamux-multiplexed connection: core.MuxedConn over a single
// underlying byte stream. Dedicated recv/send goroutines own the wire; stream
// state is mutex-guarded and all I/O happens outside the lock. A channel
// carries newly admitted streams to Accept, and a keep-alive timer drives
// periodic pings used for RTT measurement.
type Session struct {
	conn   io.ReadWriteCloser
	config *Config
	logger *zap.Logger
	client bool

	nextStreamID uint32 // atomic

	mu      sync.Mutex
	streams map[uint32]*Stream
	numIn   int
	localGA bool
	remoteGA bool

	acceptCh chan *Stream
	sendCh   chan []byte

	pingMu     sync.Mutex
	nextPingID uint32
	pending    map[uint32]chan struct{}
	rtt        int64 // nanoseconds, atomic

	keepaliveMu    sync.Mutex
	keepaliveTimer *time.Timer

	shutdownMu  sync.Mutex
	shutdown    bool
	shutdownErr error
	shutdownCh  chan struct{}
	recvDoneCh  chan struct{}
	sendDoneCh  chan struct{}
}

var _ core.MuxedConn = (*Session)(nil)

// NewSession wraps conn in a Yamux multiplexing session. client selects the
// dialer/listener stream-ID parity (dialer uses odd IDs, listener even).
func NewSession(conn io.ReadWriteCloser, config *Config, client bool, logger *zap.Logger) *Session {
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
		client:     client,
		streams:    make(map[uint32]*Stream),
		acceptCh:   make(chan *Stream, config.MaxPendingInboundStreams),
		sendCh:     make(chan []byte, 64),
		pending:    make(map[uint32]chan struct{}),
		shutdownCh: make(chan struct{}),
		recvDoneCh: make(chan struct{}),
		sendDoneCh: make(chan struct{}),
	}
	if client {
		s.nextStreamID = 1
	} else {
		s.nextStreamID = 2
	}
	go s.recvLoop()
	go s.sendLoop()
	if config.EnableKeepAlive {
		s.startKeepalive()
	}
	return s
}

func (s *Session) getRTT() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.rtt))
}

// sendFrame serializes a frame onto the single-writer send queue. No two
// frames from concurrent streams ever interleave on the wire.
func (s *Session) sendFrame(h header, payload []byte) error {
	buf := pool.Get(headerSize + len(payload))
	copy(buf[:headerSize], h[:])
	copy(buf[headerSize:], payload)

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
	var h header
	for {
		if _, err := io.ReadFull(s.conn, h[:]); err != nil {
			s.fail(err)
			return
		}
		if h.Version() != protoVersion {
			s.fail(core.NewProtocolError("invalid frame version %d", h.Version()))
			return
		}
		if err := s.dispatch(h); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) dispatch(h header) error {
	switch h.Type() {
	case typeData:
		return s.handleDataFrame(h)
	case typeWindowUpdate:
		return s.handleWindowUpdateFrame(h)
	case typePing:
		return s.handlePing(h)
	case typeGoAway:
		return s.handleGoAway(h)
	default:
		return core.NewProtocolError("unknown frame type %d", h.Type())
	}
}

func (s *Session) handleDataFrame(h header) error {
	if h.Length() > s.config.MaxFrameSize {
		return &core.FrameTooLargeError{Size: int(h.Length()), Max: int(s.config.MaxFrameSize)}
	}
	payload := make([]byte, h.Length())
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return err
	}

	stream, err := s.lookupOrAdmit(h)
	if err != nil {
		return err
	}
	if stream == nil {
		return nil // admitted-then-rejected, or frame for a forgotten stream
	}
	if h.Flags()&flagRST != 0 {
		stream.remoteReset()
		s.removeStream(h.StreamID())
		return nil
	}
	if err := stream.handleData(h.Flags(), payload); err != nil {
		return err
	}
	s.maybeCleanup(stream)
	return nil
}

func (s *Session) handleWindowUpdateFrame(h header) error {
	stream, err := s.lookupOrAdmit(h)
	if err != nil {
		return err
	}
	if stream == nil {
		return nil
	}
	if h.Flags()&flagRST != 0 {
		stream.remoteReset()
		s.removeStream(h.StreamID())
		return nil
	}
	stream.handleWindowUpdate(h.Flags(), h.Length())
	s.maybeCleanup(stream)
	return nil
}

// lookupOrAdmit resolves the stream targeted by h, admitting a new inbound
// stream on SYN if it does not yet exist. It returns (nil, nil) when the
// frame targets an unknown, already-forgotten stream (safe to ignore) or
// when admission itself rejected the stream (RST already sent).
func (s *Session) lookupOrAdmit(h header) (*Stream, error) {
	id := h.StreamID()
	if id == 0 {
		return nil, nil // connection-control frame, no stream
	}

	s.mu.Lock()
	stream, ok := s.streams[id]
	s.mu.Unlock()
	if ok {
		return stream, nil
	}

	if h.Flags()&flagSYN == 0 {
		return nil, nil // frame for a stream we've already forgotten
	}
	if s.client == (id%2 == 1) {
		return nil, core.NewProtocolError("peer used wrong stream ID parity for %d", id)
	}

	return s.admitInbound(id)
}

func (s *Session) admitInbound(id uint32) (*Stream, error) {
	s.mu.Lock()
	if s.localGA {
		s.mu.Unlock()
		return nil, s.sendFrame(encodeHeader(typeWindowUpdate, flagRST, id, 0), nil)
	}
	if len(s.streams) >= s.config.MaxConcurrentStreams {
		s.mu.Unlock()
		s.logger.Warn("yamux: rejecting inbound stream, concurrent stream limit reached", zap.Uint32("stream", id))
		return nil, s.sendFrame(encodeHeader(typeWindowUpdate, flagRST, id, 0), nil)
	}

	span := s.config.memoryManager()
	if err := span.ReserveMemory(int(s.config.InitialWindowSize), 255); err != nil {
		s.mu.Unlock()
		return nil, s.sendFrame(encodeHeader(typeWindowUpdate, flagRST, id, 0), nil)
	}
	stream := newStream(s, id, streamSynReceived, s.config.InitialWindowSize, span)
	s.streams[id] = stream
	s.numIn++
	s.mu.Unlock()

	select {
	case s.acceptCh <- stream:
		return stream, nil
	default:
		s.logger.Warn("yamux: accept backlog full, resetting inbound stream", zap.Uint32("stream", id))
		s.removeStream(id)
		span.Done()
		return nil, s.sendFrame(encodeHeader(typeWindowUpdate, flagRST, id, 0), nil)
	}
}

func (s *Session) maybeCleanup(stream *Stream) {
	stream.mu.Lock()
	done := stream.fullyClosedLocked()
	stream.mu.Unlock()
	if done {
		s.removeStream(stream.id)
	}
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	stream, ok := s.streams[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.streams, id)
	if s.client == (id%2 == 0) {
		s.numIn--
	}
	s.mu.Unlock()
	stream.memSpan.Done()
}

// handlePing answers a SYN ping with a pong, or completes an outstanding
// local Ping on a matching pong.
func (s *Session) handlePing(h header) error {
	opaque := h.Length()
	if h.Flags()&flagSYN != 0 {
		return s.sendFrame(encodeHeader(typePing, flagACK, 0, opaque), nil)
	}
	s.pingMu.Lock()
	ch, ok := s.pending[opaque]
	if ok {
		delete(s.pending, opaque)
	}
	s.pingMu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Ping sends a keep-alive/RTT probe and blocks for the matching pong.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	s.pingMu.Lock()
	id := s.nextPingID
	s.nextPingID++
	ch := make(chan struct{})
	s.pending[id] = ch
	s.pingMu.Unlock()

	start := time.Now()
	if err := s.sendFrame(encodeHeader(typePing, flagSYN, 0, id), nil); err != nil {
		return 0, err
	}

	select {
	case <-ch:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.shutdownCh:
		return 0, s.shutdownError()
	}
	rtt := time.Since(start)
	atomic.StoreInt64(&s.rtt, int64(rtt))
	return rtt, nil
}

func (s *Session) startKeepalive() {
	s.keepaliveMu.Lock()
	defer s.keepaliveMu.Unlock()
	s.keepaliveTimer = time.AfterFunc(s.config.KeepAliveInterval, s.keepaliveTick)
}

func (s *Session) keepaliveTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.KeepAliveTimeout)
	defer cancel()
	if _, err := s.Ping(ctx); err != nil {
		if s.IsClosed() {
			return
		}
		s.fail(core.ErrKeepAliveTimeout)
		return
	}
	s.keepaliveMu.Lock()
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Reset(s.config.KeepAliveInterval)
	}
	s.keepaliveMu.Unlock()
}

func (s *Session) stopKeepalive() {
	s.keepaliveMu.Lock()
	defer s.keepaliveMu.Unlock()
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Stop()
		s.keepaliveTimer = nil
	}
}

func (s *Session) handleGoAway(h header) error {
	switch h.Length() {
	case goAwayNormal:
		s.mu.Lock()
		s.remoteGA = true
		s.mu.Unlock()
		return nil
	case goAwayProtoErr:
		return fmt.Errorf("yamux: peer reported protocol error")
	case goAwayInternalErr:
		return fmt.Errorf("yamux: peer reported internal error")
	default:
		return core.NewProtocolError("unknown go-away reason %d", h.Length())
	}
}

// OpenStream creates a new locally-initiated stream, emitting its opening
// SYN frame before returning; it does not wait for the peer's ACK.
func (s *Session) OpenStream(ctx context.Context) (core.MuxedStream, error) {
	if s.IsClosed() {
		return nil, s.shutdownError()
	}
	s.mu.Lock()
	if s.remoteGA {
		s.mu.Unlock()
		return nil, fmt.Errorf("yamux: peer is not accepting new streams")
	}
	s.mu.Unlock()

	id := atomic.AddUint32(&s.nextStreamID, 2) - 2
	if id == 0 || id >= math.MaxUint32-2 {
		return nil, core.ErrStreamIDExhausted
	}

	span := s.config.memoryManager()
	if err := span.ReserveMemory(int(s.config.InitialWindowSize), 255); err != nil {
		return nil, err
	}
	stream := newStream(s, id, streamIdle, s.config.InitialWindowSize, span)

	s.mu.Lock()
	s.streams[id] = stream
	s.mu.Unlock()

	stream.mu.Lock()
	stream.state = streamSynSent
	stream.mu.Unlock()
	if err := s.sendFrame(encodeHeader(typeData, flagSYN, id, 0), nil); err != nil {
		s.removeStream(id)
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
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()

	var aggregate error
	for _, st := range streams {
		st.fail(err)
		aggregate = multierr.Append(aggregate, err)
	}
	if aggregate != nil {
		s.logger.Warn("yamux: session closed abruptly", zap.Error(aggregate), zap.Int("streams", len(streams)))
	}
	s.stopKeepalive()
	s.conn.Close()
}

// Close performs a graceful shutdown: emits GoAway(normal), marks every
// stream closed, and closes the underlying connection.
func (s *Session) Close() error {
	s.shutdownMu.Lock()
	if s.shutdown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.shutdownMu.Unlock()

	s.mu.Lock()
	s.localGA = true
	s.mu.Unlock()
	_ = s.sendFrame(encodeHeader(typeGoAway, 0, 0, goAwayNormal), nil)
	// give the send loop a chance to flush the GoAway frame before the
	// shutdown channel closes and races it out of the select in sendLoop.
	for i := 0; i < 1000 && len(s.sendCh) > 0; i++ {
		time.Sleep(time.Millisecond)
	}

	s.shutdownMu.Lock()
	if !s.shutdown {
		s.shutdown = true
		s.shutdownErr = core.ErrConnectionClosed
		close(s.shutdownCh)
	}
	s.shutdownMu.Unlock()

	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()
	for _, st := range streams {
		st.fail(core.ErrConnectionClosed)
	}

	s.stopKeepalive()
	err := s.conn.Close()
	<-s.recvDoneCh
	<-s.sendDoneCh
	return err
}
