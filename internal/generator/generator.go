// Package generator builds the outbound transactions that carry
// encoded commands. Every transaction it produces is shaped for cheap
// discovery: its payload begins with a route prefix and its id is
// ground, by iterating a payload nonce, until a chosen bit pattern
// appears at a chosen bit position. Scanners can then filter the
// network's transaction firehose with a bit test and a prefix compare
// before decoding anything.
package generator

import (
	"errors"
	"fmt"

	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/pki"
)

// DefaultMaxAttempts bounds the nonce search. A width-w pattern
// matches one id in 2^w, so the default leaves patterns up to ~16 bits
// comfortably inside the bound.
const DefaultMaxAttempts = 1 << 22

var (
	// ErrPatternExhausted reports a nonce search that ran out of
	// attempts before the id matched. Practically unreachable for
	// patterns of sane width, but a checked failure rather than an
	// unbounded loop.
	ErrPatternExhausted = errors.New("generator: pattern search exhausted")
	// ErrSignerRequired reports a generator built without a signing key.
	ErrSignerRequired = errors.New("generator: signer is required")
	// ErrValueTooLow reports a funding output that cannot cover the fee.
	ErrValueTooLow = errors.New("generator: funding value does not cover fee")
)

// Pattern is a run of Width bits, read least significant first from
// Bits, that a transaction id must exhibit starting at a route's bit
// position.
type Pattern struct {
	Bits  uint64
	Width uint8
}

// Matches reports whether id carries the pattern at the given bit
// position. Id bits are numbered from the least significant bit of
// byte zero.
func (p Pattern) Matches(id kaspa.TransactionID, position uint8) bool {
	for i := uint8(0); i < p.Width; i++ {
		want := byte((p.Bits >> i) & 1)
		if id.Bit(uint(position)+uint(i)) != want {
			return false
		}
	}
	return true
}

// Route identifies one episode family's transactions on the network:
// payloads begin with Prefix and transaction ids satisfy Pattern at
// Position. Generators mine to a route; proxies filter by it.
type Route struct {
	Name     string
	Prefix   []byte
	Pattern  Pattern
	Position uint8
}

// Validate reports whether the route is usable.
func (r Route) Validate() error {
	if r.Name == "" {
		return errors.New("generator: route name is required")
	}
	if len(r.Prefix) == 0 {
		return errors.New("generator: route prefix is required")
	}
	if r.Pattern.Width == 0 || r.Pattern.Width > 64 {
		return fmt.Errorf("generator: pattern width %d outside 1..64", r.Pattern.Width)
	}
	if int(r.Position)+int(r.Pattern.Width) > kaspa.TransactionIDSize*8 {
		return fmt.Errorf("generator: pattern of width %d at position %d overruns the id", r.Pattern.Width, r.Position)
	}
	return nil
}

// MatchesID reports whether a transaction id satisfies the route's
// pattern.
func (r Route) MatchesID(id kaspa.TransactionID) bool {
	return r.Pattern.Matches(id, r.Position)
}

// Option configures a Generator.
type Option func(*Generator)

// WithFee overrides the flat transaction fee in sompi.
func WithFee(fee uint64) Option {
	return func(g *Generator) { g.fee = fee }
}

// WithMaxAttempts bounds the nonce search.
func WithMaxAttempts(n uint64) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

// WithNonceBase sets the first nonce tried. Concurrent builders can
// search disjoint ranges by spacing their bases.
func WithNonceBase(base uint64) Option {
	return func(g *Generator) { g.nonceBase = base }
}

// Generator assembles, mines, and signs command transactions for one
// route. It keeps no per-call state; one instance is safe for any
// number of concurrent callers.
type Generator struct {
	route       Route
	signer      *pki.PrivateKey
	fee         uint64
	maxAttempts uint64
	nonceBase   uint64
}

// New returns a Generator for the route, spending and signing with
// key.
func New(route Route, key *pki.PrivateKey, opts ...Option) (*Generator, error) {
	if err := route.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrSignerRequired
	}
	g := &Generator{
		route:       route,
		signer:      key,
		fee:         kaspa.DefaultFee,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Route returns the route the generator mines to.
func (g *Generator) Route() Route {
	return g.route
}

// EncodeCommand serializes an application command body to the bytes a
// Message carries.
func EncodeCommand(cmd codec.Encodable) ([]byte, error) {
	return codec.Encode(cmd)
}

// Build assembles a transaction that spends utxo, returns the change
// to the signer, and carries msg in the payload envelope. It grinds
// the envelope's mining nonce until the transaction id matches the
// route's pattern, then signs the input.
//
// Signature scripts are excluded from the id, so signing after mining
// never disturbs the match.
func (g *Generator) Build(utxo kaspa.UTXO, msg codec.Message) (*kaspa.Transaction, error) {
	if utxo.Entry.Amount <= g.fee {
		return nil, fmt.Errorf("%w: value %d, fee %d", ErrValueTooLow, utxo.Entry.Amount, g.fee)
	}
	payload, err := codec.EncodePayload(g.route.Prefix, g.nonceBase, msg)
	if err != nil {
		return nil, err
	}

	tx := &kaspa.Transaction{
		Version: 0,
		Inputs: []kaspa.TransactionInput{{
			PreviousOutpoint: utxo.Outpoint,
			Sequence:         0,
			SigOpCount:       1,
		}},
		Outputs: []kaspa.TransactionOutput{{
			Value:           utxo.Entry.Amount - g.fee,
			ScriptPublicKey: kaspa.P2PKScript(g.signer.PublicKey()),
		}},
		Payload: payload,
	}

	mined := false
	for i := uint64(0); i < g.maxAttempts; i++ {
		if err := codec.SetPayloadNonce(payload, g.route.Prefix, g.nonceBase+i); err != nil {
			return nil, err
		}
		if g.route.MatchesID(tx.ID()) {
			mined = true
			break
		}
	}
	if !mined {
		return nil, fmt.Errorf("%w: %d attempts for width %d", ErrPatternExhausted, g.maxAttempts, g.route.Pattern.Width)
	}

	sig, err := g.signer.Sign(tx.SigningDigest(0, utxo.Entry))
	if err != nil {
		return nil, fmt.Errorf("sign input: %w", err)
	}
	tx.Inputs[0].SignatureScript = kaspa.SchnorrSignatureScript(sig)
	return tx, nil
}
