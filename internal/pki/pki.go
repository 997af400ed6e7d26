// Package pki provides the key material and signature scheme command
// authors use: secp256k1 schnorr signatures over 32-byte x-only public
// keys, with blake2b-256 domain-keyed digests.
package pki

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/blake2b"
)

const (
	// PublicKeySize is the byte length of an x-only public key.
	PublicKeySize = 32
	// SignatureSize is the byte length of a schnorr signature.
	SignatureSize = 64
)

var (
	ErrInvalidPublicKey = errors.New("pki: invalid public key")
	ErrInvalidSignature = errors.New("pki: invalid signature encoding")
)

// PublicKey is an x-only secp256k1 public key.
type PublicKey [PublicKeySize]byte

// Signature is a schnorr signature.
type Signature [SignatureSize]byte

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKeyPair returns a fresh private key and its x-only public key.
func GenerateKeyPair() (*PrivateKey, PublicKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, PublicKey{}, fmt.Errorf("generate private key: %w", err)
	}
	priv := &PrivateKey{key: key}
	return priv, priv.PublicKey(), nil
}

// ParsePrivateKey loads a private key from its 32-byte scalar.
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("pki: private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// ParsePrivateKeyHex loads a private key from a hex-encoded scalar.
func ParsePrivateKeyHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("pki: decode private key hex: %w", err)
	}
	return ParsePrivateKey(b)
}

// PublicKey returns the x-only public key for the private key.
func (p *PrivateKey) PublicKey() PublicKey {
	var pub PublicKey
	copy(pub[:], schnorr.SerializePubKey(p.key.PubKey()))
	return pub
}

// Serialize returns the 32-byte private scalar.
func (p *PrivateKey) Serialize() []byte {
	return p.key.Serialize()
}

// Sign produces a schnorr signature over a 32-byte digest.
func (p *PrivateKey) Sign(digest [32]byte) (Signature, error) {
	sig, err := schnorr.Sign(p.key, digest[:])
	if err != nil {
		return Signature{}, fmt.Errorf("schnorr sign: %w", err)
	}
	var out Signature
	copy(out[:], sig.Serialize())
	return out, nil
}

// Verify reports whether sig is a valid signature over digest by pub.
func Verify(pub PublicKey, digest [32]byte, sig Signature) bool {
	parsedKey, err := schnorr.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	parsedSig, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return parsedSig.Verify(digest[:], parsedKey)
}

// ParsePublicKey loads an x-only public key from its 32-byte encoding.
func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, ErrInvalidPublicKey
	}
	if _, err := schnorr.ParsePubKey(b); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var pub PublicKey
	copy(pub[:], b)
	return pub, nil
}

// ParsePublicKeyHex loads an x-only public key from hex.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ParsePublicKey(b)
}

// String returns the hex encoding of the public key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// String returns the hex encoding of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s[:])
}

// Digest hashes data with blake2b-256 keyed by an ASCII domain tag, the
// hash family the network uses for transaction ids. Distinct domains
// never collide even over identical data.
func Digest(domain string, data []byte) [32]byte {
	h, err := blake2b.New256([]byte(domain))
	if err != nil {
		// Only possible for domain keys over 64 bytes; ours are fixed
		// short literals.
		panic(err)
	}
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
