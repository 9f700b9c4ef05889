package multistream

import "fmt"

// Sentinel and typed errors for the multistream-select protocol.
type protocolMismatchError struct{ got string }

func (e *protocolMismatchError) Error() string {
	return fmt.Sprintf("multistream: peer header mismatch: got %q, want %q", e.got, ProtocolID)
}

// ErrNoAgreement is returned by Negotiate/NegotiateLazy when every
// preference was rejected by the peer.
var ErrNoAgreement = fmt.Errorf("multistream: no mutually agreeable protocol")

// UnexpectedResponseError is returned when the peer's reply is neither the
// candidate protocol ID nor "na".
type UnexpectedResponseError struct{ Response string }

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("multistream: unexpected response %q", e.Response)
}

// ErrInvalidMessage is returned when a message does not end in '\n'.
var ErrInvalidMessage = fmt.Errorf("multistream: message missing trailing newline")

// ErrInvalidUTF8 is returned when a message is not strictly valid UTF-8.
var ErrInvalidUTF8 = fmt.Errorf("multistream: message is not valid UTF-8")

// MessageTooLargeError is returned when a message exceeds MaxMessageSize.
type MessageTooLargeError struct{ Size, Max int }

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("multistream: message too large (%d bytes, max %d)", e.Size, e.Max)
}

// ErrTooManyAttempts is returned by Handle when a peer cycles through more
// than maxNegotiationAttempts "na" rounds, a defense against a DoS via
// unbounded retry.
var ErrTooManyAttempts = fmt.Errorf("multistream: too many negotiation attempts")
