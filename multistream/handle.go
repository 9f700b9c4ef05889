package multistream

import "io"

// Handle performs the responder side of multistream-select: it reads and
// validates the initiator's header, replies with its own header,
// then loops reading candidate protocol IDs until one matches a supported
// protocol, the peer requests a listing ("ls"), or the per-connection
// attempt cap is exceeded.
//
// Handle transparently supports both v1 and v1-lazy initiators: because the
// underlying BufferedStreamReader buffers across reads, a coalesced
// header+first-candidate write from a lazy initiator is consumed in order
// exactly as if it had arrived in two separate reads.
func Handle(rw io.ReadWriter, supported []string) (*NegotiationResult, error) {
	r := newReader(rw)
	if err := readAndCheckHeader(r); err != nil {
		return nil, err
	}
	if err := writeToken(rw, ProtocolID); err != nil {
		return nil, err
	}

	supportedSet := make(map[string]bool, len(supported))
	for _, id := range supported {
		supportedSet[id] = true
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxNegotiationAttempts {
			return nil, ErrTooManyAttempts
		}
		msg, err := r.ReadMessage()
		if err != nil {
			return nil, err
		}
		tok, err := validateToken(msg)
		if err != nil {
			return nil, err
		}
		switch {
		case tok == tokenList:
			if err := writeRaw(rw, buildLsPayload(supported)); err != nil {
				return nil, err
			}
		case supportedSet[tok]:
			if err := writeToken(rw, tok); err != nil {
				return nil, err
			}
			return &NegotiationResult{ProtocolID: tok, Remainder: r.DrainRemainder()}, nil
		default:
			if err := writeToken(rw, tokenNotAvailable); err != nil {
				return nil, err
			}
		}
	}
}
