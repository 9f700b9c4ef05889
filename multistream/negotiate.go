package multistream

import "io"

// Negotiate performs the initiator side of multistream-select v1: it
// writes the multistream header, reads and validates the peer's header,
// then offers each candidate protocol in order until one is accepted or
// the list is exhausted.
func Negotiate(rw io.ReadWriter, preferences []string) (*NegotiationResult, error) {
	if err := writeToken(rw, ProtocolID); err != nil {
		return nil, err
	}
	r := newReader(rw)
	if err := readAndCheckHeader(r); err != nil {
		return nil, err
	}
	return negotiateSequential(rw, r, preferences)
}

// NegotiateLazy performs 0-RTT multistream-select v1-lazy: the header and
// the first preference are written in one contiguous write. If the peer's
// very next reply accepts that first preference, negotiation completes in
// a single round trip; otherwise it falls back to sequential negotiation
// of the remaining preferences.
func NegotiateLazy(rw io.ReadWriter, preferences []string) (*NegotiationResult, error) {
	if len(preferences) == 0 {
		return nil, ErrNoAgreement
	}
	headerMsg := tokenBytes(ProtocolID)
	firstMsg := tokenBytes(preferences[0])
	if _, err := rw.Write(append(headerMsg, firstMsg...)); err != nil {
		return nil, err
	}
	r := newReader(rw)
	if err := readAndCheckHeader(r); err != nil {
		return nil, err
	}
	reply, err := r.ReadMessage()
	if err != nil {
		return nil, err
	}
	tok, err := validateToken(reply)
	if err != nil {
		return nil, err
	}
	if tok == preferences[0] {
		return &NegotiationResult{ProtocolID: tok, Remainder: r.DrainRemainder()}, nil
	}
	if tok != tokenNotAvailable {
		return nil, &UnexpectedResponseError{Response: tok}
	}
	return negotiateSequential(rw, r, preferences[1:])
}

// negotiateSequential offers each candidate in order over a connection
// whose header has already been exchanged (used by both Negotiate and the
// fallback path of NegotiateLazy).
func negotiateSequential(w io.Writer, r *bufferedReader, preferences []string) (*NegotiationResult, error) {
	for _, candidate := range preferences {
		if err := writeToken(w, candidate); err != nil {
			return nil, err
		}
		reply, err := r.ReadMessage()
		if err != nil {
			return nil, err
		}
		tok, err := validateToken(reply)
		if err != nil {
			return nil, err
		}
		switch tok {
		case candidate:
			return &NegotiationResult{ProtocolID: tok, Remainder: r.DrainRemainder()}, nil
		case tokenNotAvailable:
			continue
		default:
			return nil, &UnexpectedResponseError{Response: tok}
		}
	}
	return nil, ErrNoAgreement
}

func readAndCheckHeader(r *bufferedReader) error {
	msg, err := r.ReadMessage()
	if err != nil {
		return err
	}
	tok, err := validateToken(msg)
	if err != nil {
		return err
	}
	if tok != ProtocolID {
		return &protocolMismatchError{got: tok}
	}
	return nil
}

func tokenBytes(s string) []byte {
	payload := append([]byte(s), '\n')
	buf := encodeVarintLen(len(payload))
	return append(buf, payload...)
}
