package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// PayloadVersion is the current envelope version. Decoders reject
// everything else.
const PayloadVersion uint8 = 1

// MaxPayloadSize bounds the full envelope, tracking the node's
// standard-transaction payload acceptance limit.
const MaxPayloadSize = 32 * 1024

// envelopeOverhead is the version byte plus the mining nonce.
const envelopeOverhead = 1 + 8

var (
	// ErrUnsupportedVersion reports an envelope version this build does
	// not speak.
	ErrUnsupportedVersion = errors.New("codec: unsupported payload version")
	// ErrPayloadTooLarge reports an envelope over MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("codec: payload too large")
	// ErrPrefixMismatch reports a payload that does not begin with the
	// expected route prefix.
	ErrPrefixMismatch = errors.New("codec: payload prefix mismatch")
)

// EncodePayload assembles the transaction payload envelope around an
// encoded message:
//
//	prefix ‖ version u8 ‖ mining nonce u64 ‖ message
//
// The prefix is route-defined and lets scanners discard foreign
// payloads with one byte comparison. The nonce exists solely for the
// generator to perturb the transaction id; decoders skip it.
func EncodePayload(prefix []byte, nonce uint64, msg Message) ([]byte, error) {
	encoded, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	total := len(prefix) + envelopeOverhead + len(encoded)
	if total > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, total, MaxPayloadSize)
	}
	buf := make([]byte, 0, total)
	buf = append(buf, prefix...)
	buf = append(buf, PayloadVersion)
	buf = binary.LittleEndian.AppendUint64(buf, nonce)
	return append(buf, encoded...), nil
}

// SetPayloadNonce overwrites the mining nonce in an encoded payload in
// place. The generator grinds transaction ids by patching the nonce
// instead of re-encoding the envelope.
func SetPayloadNonce(payload, prefix []byte, nonce uint64) error {
	if !bytes.HasPrefix(payload, prefix) {
		return ErrPrefixMismatch
	}
	off := len(prefix) + 1
	if len(payload) < off+8 {
		return ErrTruncated
	}
	binary.LittleEndian.PutUint64(payload[off:off+8], nonce)
	return nil
}

// DecodePayload strips and checks the envelope and decodes the
// message it carries.
func DecodePayload(prefix, payload []byte) (Message, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if !bytes.HasPrefix(payload, prefix) {
		return nil, ErrPrefixMismatch
	}
	rest := payload[len(prefix):]
	if len(rest) < envelopeOverhead {
		return nil, ErrTruncated
	}
	if rest[0] != PayloadVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rest[0])
	}
	return DecodeMessage(rest[envelopeOverhead:])
}
