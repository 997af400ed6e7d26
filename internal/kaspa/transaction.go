// Package kaspa models the slice of the network's transaction shape the
// engine needs locally: transactions, ids, signing digests, and network
// parameters. The node owns the authoritative consensus shape; this
// model mirrors it closely enough to compute ids and digests that the
// node will agree with.
package kaspa

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

const (
	// TransactionIDSize is the byte length of a transaction id.
	TransactionIDSize = 32

	transactionIDDomain      = "TransactionID"
	transactionSigningDomain = "TransactionSigningHash"
)

const (
	// SompiPerKas is the number of base units in one coin.
	SompiPerKas = 100_000_000

	// DefaultFee is the flat fee attached to command transactions, in
	// sompi.
	DefaultFee = 5_000
)

// TransactionID identifies a transaction. The generator grinds the
// payload nonce until the id satisfies a route's bit pattern.
type TransactionID [TransactionIDSize]byte

// String returns the hex encoding of the id.
func (id TransactionID) String() string { return hex.EncodeToString(id[:]) }

// Bit returns bit i of the id, numbered from the least significant bit
// of byte 0.
func (id TransactionID) Bit(i uint) byte {
	return (id[i/8] >> (i % 8)) & 1
}

// ParseTransactionID loads an id from its hex encoding.
func ParseTransactionID(s string) (TransactionID, error) {
	var id TransactionID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("kaspa: decode transaction id: %w", err)
	}
	if len(b) != TransactionIDSize {
		return id, fmt.Errorf("kaspa: transaction id must be %d bytes, got %d", TransactionIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Outpoint references one output of a prior transaction.
type Outpoint struct {
	TxID  TransactionID
	Index uint32
}

// TransactionInput spends one outpoint.
type TransactionInput struct {
	PreviousOutpoint Outpoint
	SignatureScript  []byte
	Sequence         uint64
	SigOpCount       uint8
}

// ScriptPublicKey locks an output.
type ScriptPublicKey struct {
	Version uint16
	Script  []byte
}

// TransactionOutput carries value to a locking script.
type TransactionOutput struct {
	Value           uint64
	ScriptPublicKey ScriptPublicKey
}

// UTXOEntry describes a spendable output as reported by the node.
type UTXOEntry struct {
	Amount          uint64
	ScriptPublicKey ScriptPublicKey
	BlockDAAScore   uint64
	IsCoinbase      bool
}

// UTXO pairs a spendable outpoint with its entry.
type UTXO struct {
	Outpoint Outpoint
	Entry    UTXOEntry
}

// Transaction is the native transaction shape. Payload carries the
// encoded command envelope.
type Transaction struct {
	Version      uint16
	Inputs       []TransactionInput
	Outputs      []TransactionOutput
	LockTime     uint64
	SubnetworkID [20]byte
	Gas          uint64
	Payload      []byte
}

// ID computes the transaction id: blake2b-256 keyed by the id domain
// over the id serialization. Signature scripts are excluded so signing
// never perturbs the id; the payload is included so the generator's
// mining nonce does.
func (tx *Transaction) ID() TransactionID {
	h := newDomainHash(transactionIDDomain)
	writeTransaction(h, tx)
	var id TransactionID
	copy(id[:], h.Sum(nil))
	return id
}

// SigningDigest computes the digest signed for one input: a keyed hash
// over the transaction, the input index, and the entry it spends.
// Signature scripts never enter the digest, so it reads the same before
// and after the input is signed.
func (tx *Transaction) SigningDigest(inputIndex int, entry UTXOEntry) [32]byte {
	h := newDomainHash(transactionSigningDomain)
	writeTransaction(h, tx)
	writeUint32(h, uint32(inputIndex))
	writeUint64(h, entry.Amount)
	writeUint16(h, entry.ScriptPublicKey.Version)
	writeVarBytes(h, entry.ScriptPublicKey.Script)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// P2PKScript builds the pay-to-public-key locking script for an x-only
// public key: OP_DATA_32 <key> OP_CHECKSIG.
func P2PKScript(pub [32]byte) ScriptPublicKey {
	script := make([]byte, 0, 34)
	script = append(script, 0x20)
	script = append(script, pub[:]...)
	script = append(script, 0xac)
	return ScriptPublicKey{Version: 0, Script: script}
}

// SchnorrSignatureScript wraps a 64-byte schnorr signature plus the
// SIGHASH_ALL marker in a push for the signature script.
func SchnorrSignatureScript(sig [64]byte) []byte {
	script := make([]byte, 0, 66)
	script = append(script, 0x41)
	script = append(script, sig[:]...)
	script = append(script, 0x01)
	return script
}

func newDomainHash(domain string) hash.Hash {
	h, err := blake2b.New256([]byte(domain))
	if err != nil {
		// Domain keys are short fixed literals; New256 only rejects
		// keys over 64 bytes.
		panic(err)
	}
	return h
}

// writeTransaction serializes the fields both digests share. Signature
// scripts are omitted throughout: the id must not move when an input is
// signed, and a signing digest cannot cover its own signature.
func writeTransaction(h hash.Hash, tx *Transaction) {
	writeUint16(h, tx.Version)
	writeUint64(h, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		h.Write(in.PreviousOutpoint.TxID[:])
		writeUint32(h, in.PreviousOutpoint.Index)
		writeUint64(h, in.Sequence)
		h.Write([]byte{in.SigOpCount})
	}
	writeUint64(h, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		writeUint64(h, out.Value)
		writeUint16(h, out.ScriptPublicKey.Version)
		writeVarBytes(h, out.ScriptPublicKey.Script)
	}
	writeUint64(h, tx.LockTime)
	h.Write(tx.SubnetworkID[:])
	writeUint64(h, tx.Gas)
	writeVarBytes(h, tx.Payload)
}

func writeUint16(h hash.Hash, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	h.Write(b[:])
}

func writeUint32(h hash.Hash, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	h.Write(b[:])
}

func writeUint64(h hash.Hash, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	h.Write(b[:])
}

func writeVarBytes(h hash.Hash, b []byte) {
	writeUint64(h, uint64(len(b)))
	h.Write(b)
}
