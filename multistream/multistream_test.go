package multistream

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestNegotiateAgreesOnSharedProtocol(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var initResult, respResult *NegotiationResult
	var initErr, respErr error

	go func() {
		defer wg.Done()
		initResult, initErr = Negotiate(initiator, []string{"/foo/1.0.0", "/bar/1.0.0"})
	}()
	go func() {
		defer wg.Done()
		respResult, respErr = Handle(responder, []string{"/bar/1.0.0"})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	require.Equal(t, "/bar/1.0.0", initResult.ProtocolID)
	require.Equal(t, "/bar/1.0.0", respResult.ProtocolID)
}

// S1: initiator's first few preferences are rejected before one lands.
func TestNegotiateFallsBackThroughPreferences(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var initResult *NegotiationResult
	var initErr, respErr error

	go func() {
		defer wg.Done()
		initResult, initErr = Negotiate(initiator, []string{"/a/1.0.0", "/b/1.0.0", "/c/1.0.0"})
	}()
	go func() {
		defer wg.Done()
		_, respErr = Handle(responder, []string{"/c/1.0.0"})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	require.Equal(t, "/c/1.0.0", initResult.ProtocolID)
}

// S2: v1-lazy succeeds in a single round trip when the first preference is
// accepted immediately.
func TestNegotiateLazySingleRoundTrip(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var initResult, respResult *NegotiationResult
	var initErr, respErr error

	go func() {
		defer wg.Done()
		initResult, initErr = NegotiateLazy(initiator, []string{"/fast/1.0.0"})
	}()
	go func() {
		defer wg.Done()
		respResult, respErr = Handle(responder, []string{"/fast/1.0.0"})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	require.Equal(t, "/fast/1.0.0", initResult.ProtocolID)
	require.Equal(t, "/fast/1.0.0", respResult.ProtocolID)
}

// NegotiateLazy falls back to sequential negotiation when the eager guess
// is rejected.
func TestNegotiateLazyFallsBack(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var initResult *NegotiationResult
	var initErr, respErr error

	go func() {
		defer wg.Done()
		initResult, initErr = NegotiateLazy(initiator, []string{"/guess/1.0.0", "/real/1.0.0"})
	}()
	go func() {
		defer wg.Done()
		_, respErr = Handle(responder, []string{"/real/1.0.0"})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	require.Equal(t, "/real/1.0.0", initResult.ProtocolID)
}

func TestNegotiateNoAgreement(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var initErr error

	go func() {
		defer wg.Done()
		_, initErr = Negotiate(initiator, []string{"/a/1.0.0"})
	}()
	go func() {
		defer wg.Done()
		Handle(responder, []string{"/b/1.0.0"})
		responder.Close()
	}()
	wg.Wait()

	require.Error(t, initErr)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	encoded := Encode("/my/proto/1.0.0")
	id, consumed, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, "/my/proto/1.0.0", id)
	require.Equal(t, len(encoded), consumed)
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	payload := append([]byte{0xff, 0xfe}, '\n')
	msg := wrapLenPrefixed(payload)
	_, _, err := decode(msg)
	require.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestDecodeRejectsMissingNewline(t *testing.T) {
	payload := []byte("/no/newline/1.0.0")
	msg := wrapLenPrefixed(payload)
	_, _, err := decode(msg)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

// ls with zero supported protocols still yields a well-formed payload: an
// outer varint of 1 followed by a single '\n'.
func TestBuildLsPayloadEmpty(t *testing.T) {
	payload := buildLsPayload(nil)
	require.Equal(t, []byte{'\n'}, payload)
}

func TestBuildLsPayloadListsEachProtocol(t *testing.T) {
	payload := buildLsPayload([]string{"/a/1.0.0", "/b/1.0.0"})
	require.Equal(t, "/a/1.0.0\n/b/1.0.0\n\n", string(payload))
}

func TestHandleRespondsNaThenAccepts(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var respResult *NegotiationResult
	var initErr, respErr error

	go func() {
		defer wg.Done()
		initErr = writeToken(initiator, ProtocolID)
		if initErr != nil {
			return
		}
		r := newReader(initiator)
		initErr = readAndCheckHeader(r)
		if initErr != nil {
			return
		}
		initErr = writeToken(initiator, "/unsupported/1.0.0")
		if initErr != nil {
			return
		}
		msg, err := r.ReadMessage()
		if err != nil {
			initErr = err
			return
		}
		tok, err := validateToken(msg)
		if err != nil {
			initErr = err
			return
		}
		require.Equal(t, tokenNotAvailable, tok)
		initErr = writeToken(initiator, "/ok/1.0.0")
		if initErr != nil {
			return
		}
		_, initErr = r.ReadMessage()
	}()
	go func() {
		defer wg.Done()
		respResult, respErr = Handle(responder, []string{"/ok/1.0.0"})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	require.Equal(t, "/ok/1.0.0", respResult.ProtocolID)
}

func TestSelectOneOf(t *testing.T) {
	initiator, responder := pipe()
	defer initiator.Close()
	defer responder.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var selected string
	var initErr, respErr error

	go func() {
		defer wg.Done()
		selected, initErr = SelectOneOf([]string{"/x/1.0.0", "/y/1.0.0"}, initiator)
	}()
	go func() {
		defer wg.Done()
		_, respErr = Handle(responder, []string{"/y/1.0.0"})
	}()
	wg.Wait()

	require.NoError(t, initErr)
	require.NoError(t, respErr)
	require.Equal(t, "/y/1.0.0", selected)
}
