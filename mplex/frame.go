// Package mplex implements the Mplex stream multiplexer: a varint-framed
// wire format with no flow control, simpler and older than Yamux but still
// widely spoken by go-libp2p and js-libp2p peers.
package mplex

import "fmt"

// ProtocolID is the multistream-select identifier this muxer answers to.
const ProtocolID = "/mplex/6.7.0"

// tag is the low 3 bits of a frame header: (streamID << 3) | tag.
type tag uint8

const (
	tagNewStream        tag = 0
	tagMessageReceiver  tag = 1
	tagMessageInitiator tag = 2
	tagCloseReceiver    tag = 3
	tagCloseInitiator   tag = 4
	tagResetReceiver    tag = 5
	tagResetInitiator   tag = 6
)

func (t tag) String() string {
	switch t {
	case tagNewStream:
		return "NewStream"
	case tagMessageReceiver:
		return "MessageReceiver"
	case tagMessageInitiator:
		return "MessageInitiator"
	case tagCloseReceiver:
		return "CloseReceiver"
	case tagCloseInitiator:
		return "CloseInitiator"
	case tagResetReceiver:
		return "ResetReceiver"
	case tagResetInitiator:
		return "ResetInitiator"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// encodeFrameHeader packs a stream ID and tag into the varint-encoded
// header value (streamID << 3) | tag.
func encodeFrameHeader(id uint64, t tag) uint64 {
	return (id << 3) | uint64(t)
}

// decodeFrameHeader splits a decoded header value back into stream ID and
// tag.
func decodeFrameHeader(h uint64) (id uint64, t tag) {
	return h >> 3, tag(h & 7)
}

// isReceiverTag reports whether t is one the RECEIVING side of a stream
// sends (as opposed to the side that opened it).
func isReceiverTag(t tag) bool {
	switch t {
	case tagMessageReceiver, tagCloseReceiver, tagResetReceiver:
		return true
	default:
		return false
	}
}

// remoteInitiatedStream reports, for an inbound frame's tag, whether the
// REMOTE peer opened the stream the frame targets. NewStream frames and
// initiator-tagged frames (sent by whoever opened the stream, i.e. the
// remote) both imply the remote side opened it; receiver-tagged frames
// imply we opened it and the remote is replying.
func remoteInitiatedStream(t tag) bool {
	if t == tagNewStream {
		return true
	}
	return !isReceiverTag(t)
}
