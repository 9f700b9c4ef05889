package yamux

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreswarm/p2pcore/core"
)

type streamState uint8

const (
	streamIdle streamState = iota
	streamSynSent
	streamSynReceived
	streamEstablished
	streamHalfClosedLocal
	streamHalfClosedRemote
	streamClosed
)

// Stream is one logical, bidirectional Yamux stream multiplexed over a
// Session's connection. It implements core.MuxedStream.
//
// State is guarded by a mutex and all I/O happens outside the lock. Two
// independent WaiterLists (read, write) let a data/window-credit arrival
// wake just the longest-waiting caller in FIFO order, while a close or
// reset wakes every parked caller at once.
type Stream struct {
	session *Session
	id      uint32

	mu    sync.Mutex
	state streamState

	protocolID string

	sendWindow uint32
	recvWindow uint32
	recvCeil   uint32 // current auto-tuned target window (<= config.MaxReceiveWindow)
	unacked    uint32
	lastWinAck time.Time

	pending    [][]byte // queued inbound payloads awaiting Read
	pendingOff int      // read offset into pending[0]

	localClosed  bool // CloseWrite/Close called: FIN sent
	remoteClosed bool // peer's FIN observed
	readClosed   bool // CloseRead/Close called: local reads stop once buffered data drains
	acked        bool // remote ACK observed (outbound) / ACK already sent (inbound)
	err          error

	readWaiters  *core.WaiterList
	writeWaiters *core.WaiterList

	memSpan MemoryManager
}

var _ core.MuxedStream = (*Stream)(nil)

func newStream(s *Session, id uint32, state streamState, window uint32, span MemoryManager) *Stream {
	return &Stream{
		session:      s,
		id:           id,
		state:        state,
		sendWindow:   window,
		recvWindow:   window,
		recvCeil:     window,
		lastWinAck:   time.Now(),
		readWaiters:  core.NewWaiterList(),
		writeWaiters: core.NewWaiterList(),
		memSpan:      span,
	}
}

// ID returns the stream's Yamux stream identifier.
func (s *Stream) ID() uint64 { return uint64(s.id) }

// Protocol returns the application protocol negotiated for this stream, if
// any has been set via SetProtocol.
func (s *Stream) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolID
}

// SetProtocol records the application protocol negotiated atop this
// stream (set by the caller after running multistream-select over it).
func (s *Stream) SetProtocol(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolID = id
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
	if s.pendingOff >= len(s.pending[0]) {
		s.pending = s.pending[1:]
		s.pendingOff = 0
	}
	s.mu.Unlock()

	s.recordConsumed(uint32(n))
	return n, nil
}

// recordConsumed accounts n delivered bytes and, once unacked consumption
// crosses half of the current receive-window ceiling, emits a WindowUpdate
// restoring the window, auto-tuning the ceiling upward if updates are
// arriving faster than the measured round trip allows.
func (s *Stream) recordConsumed(n uint32) {
	s.mu.Lock()
	s.unacked += n
	threshold := s.recvCeil / 2
	if s.unacked < threshold {
		s.mu.Unlock()
		return
	}
	delta := s.recvCeil - s.recvWindow
	s.recvWindow = s.recvCeil

	now := time.Now()
	interval := now.Sub(s.lastWinAck)
	rtt := s.session.getRTT()
	if rtt > 0 && interval < 2*rtt {
		newCeil := s.recvCeil * 2
		if max := s.session.config.MaxReceiveWindow; newCeil > max {
			newCeil = max
		}
		s.recvCeil = newCeil
	}
	s.lastWinAck = now
	s.unacked = 0
	s.mu.Unlock()

	if delta > 0 {
		s.session.sendFrame(encodeHeader(typeWindowUpdate, 0, s.id, delta), nil)
	}
}

// Write blocks while the send window is exhausted, up to the session's
// configured write timeout.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return written, err
		}
		if s.localClosed {
			s.mu.Unlock()
			return written, core.ErrStreamClosed
		}

		deadline := time.NewTimer(s.session.config.WriteTimeout)
		for s.sendWindow == 0 && s.err == nil {
			ch := s.writeWaiters.Wait()
			s.mu.Unlock()
			select {
			case <-ch:
			case <-deadline.C:
				deadline.Stop()
				return written, fmt.Errorf("%w: %w",
					core.NewProtocolError("stream %d: send window wait timed out", s.id),
					&WriteTimeoutError{StreamID: s.id})
			}
			s.mu.Lock()
		}
		deadline.Stop()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return written, err
		}

		chunk := p[written:]
		if uint32(len(chunk)) > s.sendWindow {
			chunk = chunk[:s.sendWindow]
		}
		if max := s.session.config.MaxFrameSize; uint32(len(chunk)) > max {
			chunk = chunk[:max]
		}
		s.sendWindow -= uint32(len(chunk))

		var flags flagBits
		if s.state == streamIdle {
			flags |= flagSYN
			s.state = streamSynSent
		} else if s.state == streamSynReceived && !s.acked {
			flags |= flagACK
			s.acked = true
		}
		s.mu.Unlock()

		if err := s.session.sendFrame(encodeHeader(typeData, flags, s.id, uint32(len(chunk))), chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// CloseWrite half-closes the stream for writing, emitting a FIN.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	var flags flagBits = flagFIN
	if s.state == streamIdle {
		flags |= flagSYN
	}
	fullyClosed := s.remoteClosed
	s.mu.Unlock()

	if err := s.session.sendFrame(encodeHeader(typeData, flags, s.id, 0), nil); err != nil {
		return err
	}
	if fullyClosed {
		s.session.removeStream(s.id)
	}
	return nil
}

// CloseRead stops delivering further reads locally without signaling the
// peer. Data already buffered is still delivered; only once it is drained
// do subsequent Reads return ErrStreamClosed without waiting for more.
func (s *Stream) CloseRead() error {
	s.mu.Lock()
	s.readClosed = true
	s.mu.Unlock()
	s.readWaiters.Broadcast()
	return nil
}

// Close performs a graceful close: CloseWrite followed by CloseRead.
func (s *Stream) Close() error {
	err := s.CloseWrite()
	s.CloseRead()
	return err
}

// Reset abruptly terminates the stream, notifying the peer with RST.
func (s *Stream) Reset() error {
	s.mu.Lock()
	if s.state == streamClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = streamClosed
	s.err = core.ErrStreamReset
	s.mu.Unlock()
	s.readWaiters.Broadcast()
	s.writeWaiters.Broadcast()

	err := s.session.sendFrame(encodeHeader(typeWindowUpdate, flagRST, s.id, 0), nil)
	s.session.removeStream(s.id)
	return err
}

// remoteReset marks the stream reset by the peer (RST observed on an
// inbound frame); unlike Reset it does not send anything back.
func (s *Stream) remoteReset() {
	s.mu.Lock()
	if s.state == streamClosed {
		s.mu.Unlock()
		return
	}
	s.state = streamClosed
	s.err = core.ErrStreamReset
	s.mu.Unlock()
	s.readWaiters.Broadcast()
	s.writeWaiters.Broadcast()
	s.memSpan.Done()
}

// fail marks the stream permanently failed (connection-level shutdown or
// protocol error) and wakes every blocked caller.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.state = streamClosed
	s.mu.Unlock()
	s.readWaiters.Broadcast()
	s.writeWaiters.Broadcast()
	s.memSpan.Done()
}

// handleData applies an inbound Data frame: window accounting, queuing the
// payload, and flag-driven state transitions.
func (s *Stream) handleData(flags flagBits, payload []byte) error {
	s.mu.Lock()
	if uint32(len(payload)) > s.recvWindow {
		s.mu.Unlock()
		return core.NewProtocolError("stream %d: receive window exceeded", s.id)
	}
	s.recvWindow -= uint32(len(payload))
	if len(payload) > 0 {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.pending = append(s.pending, buf)
	}
	s.applyFlagsLocked(flags)
	closedNow := flags&flagFIN != 0
	s.mu.Unlock()
	if closedNow {
		s.readWaiters.Broadcast()
	} else if len(payload) > 0 {
		s.readWaiters.Signal()
	}
	return nil
}

// handleWindowUpdate applies an inbound WindowUpdate frame: send-window
// credit and flag-driven state transitions.
func (s *Stream) handleWindowUpdate(flags flagBits, delta uint32) {
	s.mu.Lock()
	newWindow := uint64(s.sendWindow) + uint64(delta)
	const maxWindowSize = 1<<31 - 1
	if newWindow > maxWindowSize {
		newWindow = maxWindowSize
	}
	s.sendWindow = uint32(newWindow)
	s.applyFlagsLocked(flags)
	closedNow := flags&flagFIN != 0
	s.mu.Unlock()
	if closedNow {
		s.readWaiters.Broadcast()
	}
	s.writeWaiters.Signal()
}

// applyFlagsLocked updates stream state for SYN/ACK/FIN/RST flags observed
// on any inbound frame. Caller must hold s.mu.
func (s *Stream) applyFlagsLocked(flags flagBits) {
	if flags&flagACK != 0 {
		s.acked = true
		if s.state == streamSynSent {
			s.state = streamEstablished
		}
	}
	if flags&flagFIN != 0 {
		s.remoteClosed = true
		switch s.state {
		case streamEstablished:
			s.state = streamHalfClosedRemote
		case streamHalfClosedLocal:
			s.state = streamClosed
		}
	}
}

// fullyClosedLocked reports whether both halves are closed. Caller must
// hold s.mu.
func (s *Stream) fullyClosedLocked() bool {
	return s.localClosed && s.remoteClosed
}
