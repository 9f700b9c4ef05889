// Package multistream implements multistream-select v1 and v1-lazy: the
// byte-level protocol two peers use to agree on exactly one higher-level
// protocol identifier before handing the connection off to it.
package multistream

import (
	"io"
	"unicode/utf8"

	"github.com/coreswarm/p2pcore/msgio"
	"github.com/coreswarm/p2pcore/varint"
)

// ProtocolID is the multistream-select header every negotiation begins
// with.
const ProtocolID = "/multistream/1.0.0"

// MaxMessageSize is the fatal-if-exceeded message size cap.
const MaxMessageSize = 64 * 1024

// maxNegotiationAttempts bounds the number of "na" round-trips a responder
// will tolerate from one peer before giving up.
const maxNegotiationAttempts = 1000

const (
	tokenNotAvailable = "na"
	tokenList         = "ls"
)

// NegotiationResult is returned by Negotiate, NegotiateLazy, and Handle: the
// agreed protocol ID, plus any bytes the peer already sent that belong to
// the next protocol layer (relevant for v1-lazy, where application data can
// be coalesced with the final negotiation message).
type NegotiationResult struct {
	ProtocolID string
	Remainder  []byte
}

// bufferedReader is the reader type Negotiate/Handle thread through their
// helpers; aliased for readability at call sites in negotiate.go/handle.go.
type bufferedReader = msgio.BufferedStreamReader

// encodeVarintLen returns the varint encoding of n, sized for immediate
// appending of an n-byte payload.
func encodeVarintLen(n int) []byte {
	return varint.Encode(make([]byte, 0, varint.MaxLen+n), uint64(n))
}

// wrapLenPrefixed wraps payload in a single outer varint length prefix.
func wrapLenPrefixed(payload []byte) []byte {
	return append(encodeVarintLen(len(payload)), payload...)
}

// Encode returns the wire encoding of a single multistream token: a varint
// byte-count followed by id+"\n".
func Encode(id string) []byte {
	return tokenBytes(id)
}

// Decode reads a single length-prefixed token from the front of buf and
// returns the token (with its trailing newline stripped) and the number of
// bytes consumed. Negotiate and Handle do not use it; they read through a
// msgio.BufferedStreamReader and check each message with validateToken.
func Decode(buf []byte) (id string, consumed int, err error) {
	return decode(buf)
}

func decode(buf []byte) (id string, consumed int, err error) {
	length, prefixLen, err := varint.Decode(buf)
	if err != nil {
		return "", 0, err
	}
	n, err := varint.ToIntMax(length, MaxMessageSize)
	if err != nil {
		return "", 0, &MessageTooLargeError{Size: int(length), Max: MaxMessageSize}
	}
	total := prefixLen + n
	if len(buf) < total {
		return "", 0, varint.ErrInsufficientData
	}
	payload := buf[prefixLen:total]
	tok, err := validateToken(payload)
	if err != nil {
		return "", 0, err
	}
	return tok, total, nil
}

// validateToken checks the wire-format rules common to every multistream
// message: valid UTF-8, terminated by exactly one '\n', which is then
// stripped.
func validateToken(payload []byte) (string, error) {
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		return "", ErrInvalidMessage
	}
	body := payload[:len(payload)-1]
	if !utf8.Valid(body) {
		return "", ErrInvalidUTF8
	}
	return string(body), nil
}

// writeToken writes a single length-prefixed protocol-ID-shaped message:
// varint(len(s)+1) ++ s ++ "\n".
func writeToken(w io.Writer, s string) error {
	_, err := w.Write(tokenBytes(s))
	return err
}

// writeRaw writes payload exactly as given, wrapped in a single outer
// varint length prefix. Used for the "ls" response, whose payload already
// contains its own internal newlines rather than being individually
// length-prefixed per entry.
func writeRaw(w io.Writer, payload []byte) error {
	_, err := w.Write(wrapLenPrefixed(payload))
	return err
}

func buildLsPayload(supported []string) []byte {
	var payload []byte
	for _, id := range supported {
		payload = append(payload, id...)
		payload = append(payload, '\n')
	}
	payload = append(payload, '\n')
	return payload
}

func newReader(rw io.Reader) *msgio.BufferedStreamReader {
	return msgio.NewBufferedStreamReader(rw, MaxMessageSize)
}
