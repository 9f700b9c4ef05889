package yamux

import (
	"go.uber.org/zap"

	"github.com/coreswarm/p2pcore/core"
)

// Muxer adapts Session construction to the core.Muxer interface so a
// transport-agnostic upgrader can select Yamux by protocol ID.
type Muxer struct {
	Config *Config
	Logger *zap.Logger
}

var _ core.Muxer = (*Muxer)(nil)

// Protocol returns "/yamux/1.0.0".
func (m *Muxer) Protocol() string { return ProtocolID }

// Multiplex wraps conn in a new Yamux Session.
func (m *Muxer) Multiplex(conn core.SecureConn, isInitiator bool) (core.MuxedConn, error) {
	return NewSession(conn, m.Config, isInitiator, m.Logger), nil
}
