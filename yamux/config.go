package yamux

import "time"

const (
	defaultInitialWindowSize  = 256 * 1024
	defaultMaxReceiveWindow   = 16 * 1024 * 1024
	defaultMaxFrameSize       = 16 * 1024 * 1024
	defaultMaxConcurrentStreams = 1000
	defaultMaxPendingInbound    = 100
	defaultWriteTimeout         = 30 * time.Second
	defaultKeepAliveInterval    = 30 * time.Second
	defaultKeepAliveTimeout     = 60 * time.Second
)

// MemoryManager accounts stream buffer allocations against an external
// resource budget. A caller wiring in go-libp2p's resource manager later has
// a seam here; the zero-value noop implementation performs no accounting.
type MemoryManager interface {
	ReserveMemory(size int, prio uint8) error
	ReleaseMemory(size int)
	Done()
}

type noopMemoryManager struct{}

func (noopMemoryManager) ReserveMemory(int, uint8) error { return nil }
func (noopMemoryManager) ReleaseMemory(int)              {}
func (noopMemoryManager) Done()                          {}

var defaultMemoryManager MemoryManager = noopMemoryManager{}

// Config tunes a Session's flow control, admission limits, and keep-alive
// behavior. A zero Config is invalid; use NewConfig for defaults.
type Config struct {
	// InitialWindowSize is the starting send/receive window for every new
	// stream.
	InitialWindowSize uint32
	// MaxReceiveWindow is the connection-wide auto-tuning ceiling for any
	// one stream's receive window.
	MaxReceiveWindow uint32
	// MaxFrameSize is the largest payload length accepted in a Data frame
	// before the connection is treated as fatally protocol-violating.
	MaxFrameSize uint32
	// MaxConcurrentStreams bounds how many streams may be open at once;
	// an inbound SYN beyond this is answered with RST.
	MaxConcurrentStreams int
	// MaxPendingInboundStreams bounds the accept backlog; overflow also
	// yields RST.
	MaxPendingInboundStreams int
	// WriteTimeout bounds how long a stream Write blocks waiting for send
	// window before failing with a ProtocolError.
	WriteTimeout time.Duration
	// EnableKeepAlive turns on periodic Ping(SYN) traffic.
	EnableKeepAlive bool
	// KeepAliveInterval is the period between keep-alive pings.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout is how long an outstanding ping may go unanswered
	// before the connection is closed abruptly.
	KeepAliveTimeout time.Duration
	// MemoryManager is consulted before a stream is admitted. Nil is
	// replaced with a no-op implementation.
	MemoryManager MemoryManager
}

// NewConfig returns a Config populated with the spec's default values.
func NewConfig() *Config {
	return &Config{
		InitialWindowSize:        defaultInitialWindowSize,
		MaxReceiveWindow:         defaultMaxReceiveWindow,
		MaxFrameSize:             defaultMaxFrameSize,
		MaxConcurrentStreams:     defaultMaxConcurrentStreams,
		MaxPendingInboundStreams: defaultMaxPendingInbound,
		WriteTimeout:             defaultWriteTimeout,
		EnableKeepAlive:          true,
		KeepAliveInterval:        defaultKeepAliveInterval,
		KeepAliveTimeout:         defaultKeepAliveTimeout,
		MemoryManager:            defaultMemoryManager,
	}
}

func (c *Config) memoryManager() MemoryManager {
	if c.MemoryManager == nil {
		return defaultMemoryManager
	}
	return c.MemoryManager
}
