package engine

import (
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/kaspa"
)

// Outcome classifies what an event did to an episode.
type Outcome string

const (
	// OutcomeApplied reports a state transition that took effect.
	OutcomeApplied Outcome = "applied"
	// OutcomeRejected reports a command that was refused; Reason says
	// why. The episode state is untouched.
	OutcomeRejected Outcome = "rejected"
	// OutcomeQuarantined reports an episode evicted because its state
	// can no longer be trusted: a rollback failed or a reorg reached
	// past retained history.
	OutcomeQuarantined Outcome = "quarantined"
)

// Reason is the closed set of rejection and quarantine codes. Commands
// are never refused for a reason outside this set.
type Reason string

const (
	// ReasonDecodeError reports a command body the application codec
	// could not parse.
	ReasonDecodeError Reason = "DecodeError"
	// ReasonAuthorizationError reports a bad signature or a signer that
	// is not a participant.
	ReasonAuthorizationError Reason = "AuthorizationError"
	// ReasonApplicationRuleError reports a command the application's
	// rules refused.
	ReasonApplicationRuleError Reason = "ApplicationRuleError"
	// ReasonDuplicateCommand reports a signature that already produced
	// a transition, or an initializer for an id already in use.
	ReasonDuplicateCommand Reason = "DuplicateCommand"
	// ReasonEpisodeNotFound reports a command whose episode was never
	// initialized within the buffering horizon.
	ReasonEpisodeNotFound Reason = "EpisodeNotFound"
	// ReasonUnknownEpisode reports a command for a terminated or
	// quarantined episode.
	ReasonUnknownEpisode Reason = "UnknownEpisode"
	// ReasonInvariantBreach reports a rollback that could not be
	// applied; the episode is quarantined.
	ReasonInvariantBreach Reason = "InvariantBreach"
)

// Notification is one entry on the engine's outbound channel: the
// outcome of one event against one episode. Rejections carry a Reason
// code plus a human-readable detail; applied transitions carry the
// episode's state snapshot when the application exposes one.
//
// StateSeq increments on every state mutation, applies and unwinds
// alike, so consumers can detect that the state they last observed is
// stale.
type Notification struct {
	Engine    string
	EpisodeID episode.ID
	TxID      kaspa.TransactionID
	DAAScore  uint64
	Outcome   Outcome
	Reason    Reason
	Detail    string
	StateSeq  uint64
	State     any
}
