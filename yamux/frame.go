// Package yamux implements the Yamux stream-multiplexing protocol:
// many logical streams over one secured byte connection, with credit-based
// per-stream flow control, keep-alive pings, and graceful shutdown.
package yamux

import (
	"encoding/binary"
	"fmt"
)

// ProtocolID identifies this multiplexer to multistream-select.
const ProtocolID = "/yamux/1.0.0"

const protoVersion = 0

// headerSize is the fixed 12-byte Yamux frame header:
// version(1) type(1) flags(2) streamID(4) length(4), all big-endian.
const headerSize = 12

type frameType uint8

const (
	typeData frameType = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

type flagBits uint16

const (
	flagSYN flagBits = 1 << iota
	flagACK
	flagFIN
	flagRST
)

const (
	goAwayNormal uint32 = iota
	goAwayProtoErr
	goAwayInternalErr
)

// header is the raw 12-byte Yamux frame header.
type header [headerSize]byte

func encodeHeader(t frameType, flags flagBits, streamID uint32, length uint32) header {
	var h header
	h[0] = protoVersion
	h[1] = byte(t)
	binary.BigEndian.PutUint16(h[2:4], uint16(flags))
	binary.BigEndian.PutUint32(h[4:8], streamID)
	binary.BigEndian.PutUint32(h[8:12], length)
	return h
}

func (h header) Version() uint8     { return h[0] }
func (h header) Type() frameType    { return frameType(h[1]) }
func (h header) Flags() flagBits    { return flagBits(binary.BigEndian.Uint16(h[2:4])) }
func (h header) StreamID() uint32   { return binary.BigEndian.Uint32(h[4:8]) }
func (h header) Length() uint32     { return binary.BigEndian.Uint32(h[8:12]) }
func (h header) String() string {
	return fmt.Sprintf("Yamux{type=%d flags=%d stream=%d len=%d}", h.Type(), h.Flags(), h.StreamID(), h.Length())
}
