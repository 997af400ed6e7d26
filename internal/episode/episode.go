// Package episode defines the state-machine contract application types
// implement to run on the engine.
//
// An episode is a self-contained application instance: a board game, an
// auction, any bounded interaction between a fixed set of participants.
// Its full state lives in process memory and is advanced exclusively by
// commands extracted from the blockDAG. Because the DAG can reorganize,
// every state transition must be invertible: Execute returns a rollback
// record and Rollback consumes one, restoring the exact prior state.
//
// Implementations must be deterministic. No wall-clock reads, no
// ambient randomness, no I/O: any nondeterminism would diverge replicas
// that observe the same chain. Randomness, when an application needs
// it, must be derived from chain data in Metadata.
package episode

import (
	"encoding/binary"
	"errors"

	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/pki"
)

// ID identifies one episode instance. Ids are scoped to an episode
// family (one engine) and stable for the instance lifetime.
type ID uint32

// Metadata carries the DAG context of the transaction that delivered a
// command: the accepting position (DAA score), the transaction id, and
// the accepting block timestamp in milliseconds. It is the only notion
// of time or randomness available to an episode.
type Metadata struct {
	TxID      kaspa.TransactionID
	DAAScore  uint64
	BlockTime uint64
}

var (
	// ErrInvalidConfig reports a structurally invalid initialization
	// config.
	ErrInvalidConfig = errors.New("episode: invalid config")
	// ErrParticipantArity reports a participant count the application
	// does not support.
	ErrParticipantArity = errors.New("episode: participant arity violation")
)

// Episode is the contract every application type satisfies. C is the
// application's command type, R its rollback record. The set of
// application types an engine can host is closed at compile time; each
// engine instance is built for exactly one.
//
// For any command sequence c1..cn applied through Execute and any
// prefix k, rolling back cn..ck+1 in reverse order must restore the
// state produced by c1..ck, bit for bit.
type Episode[C any, R any] interface {
	// Initialize resets the instance for a fresh episode with the given
	// participants and application config. It reports ErrInvalidConfig
	// or ErrParticipantArity (wrapped, with detail) when the inputs are
	// unusable.
	Initialize(participants []pki.PublicKey, config []byte, meta *Metadata) error

	// Execute applies one command authored by signer, whose signature
	// and participant membership the engine has already verified. It
	// returns the rollback record that undoes the transition, or an
	// error describing the rule the command violates. A failed Execute
	// must leave the state untouched.
	Execute(cmd C, signer pki.PublicKey, meta *Metadata) (R, error)

	// Rollback undoes the transition that produced the record. Records
	// are consumed in strict reverse application order. It returns
	// false only when the record cannot be applied to the current
	// state, which the engine treats as an invariant breach.
	Rollback(rollback R) bool
}

// Snapshotter is optionally implemented by episodes that expose a
// read-only view of their state for notifications.
type Snapshotter interface {
	Snapshot() any
}

// IDFromTransaction derives an episode id from the initializing
// transaction id, the default when the author does not pick one.
func IDFromTransaction(txID kaspa.TransactionID) ID {
	return ID(binary.LittleEndian.Uint32(txID[:4]))
}
