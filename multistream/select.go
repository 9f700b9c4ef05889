package multistream

import "io"

// SelectOneOf performs the full header handshake and sequential negotiation
// of ids against rw, returning the first protocol ID the peer accepts. It
// is a thin convenience wrapper over Negotiate that saves a caller from
// hand-rolling the preference loop.
func SelectOneOf(ids []string, rw io.ReadWriter) (string, error) {
	result, err := Negotiate(rw, ids)
	if err != nil {
		return "", err
	}
	return result.ProtocolID, nil
}

// SelectProtoOrFail is the single-protocol convenience form of SelectOneOf.
func SelectProtoOrFail(id string, rw io.ReadWriter) error {
	_, err := SelectOneOf([]string{id}, rw)
	return err
}
