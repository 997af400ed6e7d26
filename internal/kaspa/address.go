package kaspa

import (
	"errors"
	"fmt"
	"strings"
)

// Address versions, per the network's cashaddr-derived scheme.
const (
	addrVersionPubKey      byte = 0x00
	addrVersionScriptHash  byte = 0x08
	addrPayloadSizeSchnorr      = 32
)

const addrCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var ErrInvalidAddress = errors.New("kaspa: invalid address")

// Address renders an x-only public key as a prefixed pay-to-public-key
// address string, e.g. "kaspa:qr...".
func Address(prefix string, pub [32]byte) string {
	return encodeAddress(prefix, addrVersionPubKey, pub[:])
}

// DecodeAddress parses an address string, verifying prefix and
// checksum, and returns the x-only public key it wraps.
func DecodeAddress(prefix, addr string) ([32]byte, error) {
	var pub [32]byte
	colon := strings.IndexByte(addr, ':')
	if colon < 0 {
		return pub, fmt.Errorf("%w: missing prefix", ErrInvalidAddress)
	}
	if addr[:colon] != prefix {
		return pub, fmt.Errorf("%w: prefix %q, want %q", ErrInvalidAddress, addr[:colon], prefix)
	}
	encoded := addr[colon+1:]
	data := make([]byte, 0, len(encoded))
	for i := 0; i < len(encoded); i++ {
		idx := strings.IndexByte(addrCharset, encoded[i])
		if idx < 0 {
			return pub, fmt.Errorf("%w: character %q", ErrInvalidAddress, encoded[i])
		}
		data = append(data, byte(idx))
	}
	if len(data) < 8 {
		return pub, fmt.Errorf("%w: too short", ErrInvalidAddress)
	}
	if polyMod(append(prefixToValues(prefix), data...)) != 0 {
		return pub, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	payload, err := convertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != 1+addrPayloadSizeSchnorr {
		return pub, fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(payload))
	}
	if payload[0] != addrVersionPubKey {
		return pub, fmt.Errorf("%w: unsupported version %d", ErrInvalidAddress, payload[0])
	}
	copy(pub[:], payload[1:])
	return pub, nil
}

func encodeAddress(prefix string, version byte, payload []byte) string {
	data := make([]byte, 0, 1+len(payload))
	data = append(data, version)
	data = append(data, payload...)
	converted, err := convertBits(data, 8, 5, true)
	if err != nil {
		// Padding is enabled; conversion cannot fail.
		panic(err)
	}

	checksumInput := prefixToValues(prefix)
	checksumInput = append(checksumInput, converted...)
	checksumInput = append(checksumInput, make([]byte, 8)...)
	checksum := polyMod(checksumInput)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, v := range converted {
		sb.WriteByte(addrCharset[v])
	}
	for i := 0; i < 8; i++ {
		sb.WriteByte(addrCharset[(checksum>>uint(5*(7-i)))&0x1f])
	}
	return sb.String()
}

// prefixToValues maps each prefix character to its low five bits,
// terminated by a zero separator, as the checksum domain.
func prefixToValues(prefix string) []byte {
	values := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		values = append(values, prefix[i]&0x1f)
	}
	return append(values, 0)
}

func polyMod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := c >> 35
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	out := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)
	maxv := uint32(1<<toBits) - 1
	for _, b := range data {
		if uint(b)>>fromBits != 0 {
			return nil, fmt.Errorf("value %d exceeds %d bits", b, fromBits)
		}
		acc = acc<<fromBits | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, errors.New("invalid padding")
	}
	return out, nil
}
