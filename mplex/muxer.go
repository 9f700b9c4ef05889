package mplex

import (
	"go.uber.org/zap"

	"github.com/coreswarm/p2pcore/core"
)

// Muxer adapts Session construction to the core.Muxer interface so a
// transport-agnostic upgrader can select Mplex by protocol ID.
type Muxer struct {
	Config *Config
	Logger *zap.Logger
}

var _ core.Muxer = (*Muxer)(nil)

// Protocol returns "/mplex/6.7.0".
func (m *Muxer) Protocol() string { return ProtocolID }

// Multiplex wraps conn in a new Mplex Session.
func (m *Muxer) Multiplex(conn core.SecureConn, isInitiator bool) (core.MuxedConn, error) {
	return NewSession(conn, m.Config, isInitiator, m.Logger), nil
}
