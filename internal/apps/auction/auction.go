// Package auction is an open ascending auction episode. The seller is
// the first participant; every other participant may bid. A bid must
// clear the reserve and the standing bid, and land before the closing
// DAA score carried in the episode config.
package auction

import (
	"errors"
	"fmt"

	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/generator"
	"github.com/daglight/daglight/internal/pki"
)

var (
	ErrAuctionClosed = errors.New("auction: bidding closed")
	ErrSellerBid     = errors.New("auction: seller cannot bid")
	ErrBelowReserve  = errors.New("auction: bid below reserve")
	ErrBidTooLow     = errors.New("auction: bid does not beat the standing bid")
)

// Config parametrizes one auction.
type Config struct {
	Reserve     uint64
	ClosesAtDAA uint64
}

// EncodeTo writes the canonical config encoding.
func (c Config) EncodeTo(w *codec.Writer) {
	w.U64(c.Reserve)
	w.U64(c.ClosesAtDAA)
}

// DecodeFrom reads the canonical config encoding.
func (c *Config) DecodeFrom(r *codec.Reader) error {
	c.Reserve = r.U64()
	c.ClosesAtDAA = r.U64()
	return r.Err()
}

// Bid raises the standing bid.
type Bid struct {
	Amount uint64
}

// EncodeTo writes the canonical bid encoding.
func (b Bid) EncodeTo(w *codec.Writer) {
	w.U64(b.Amount)
}

// DecodeFrom reads the canonical bid encoding.
func (b *Bid) DecodeFrom(r *codec.Reader) error {
	b.Amount = r.U64()
	return r.Err()
}

// DecodeCommand parses a command body into a Bid.
func DecodeCommand(body []byte) (Bid, error) {
	var b Bid
	if err := codec.Decode(body, &b); err != nil {
		return Bid{}, err
	}
	return b, nil
}

// Undo restores the standing bid a bid displaced.
type Undo struct {
	leader  pki.PublicKey
	leading uint64
}

// Auction is the episode state. The zero value is ready for
// Initialize.
type Auction struct {
	seller   pki.PublicKey
	reserve  uint64
	closesAt uint64
	leader   pki.PublicKey
	leading  uint64
	bids     int
}

// New returns an uninitialized auction.
func New() *Auction {
	return &Auction{}
}

// Initialize registers the seller and at least one bidder, and parses
// the auction config. The closing score must still be ahead when the
// initializer lands.
func (a *Auction) Initialize(participants []pki.PublicKey, config []byte, meta *episode.Metadata) error {
	if len(participants) < 2 {
		return fmt.Errorf("%w: need a seller and at least one bidder, got %d",
			episode.ErrParticipantArity, len(participants))
	}
	var cfg Config
	if err := codec.Decode(config, &cfg); err != nil {
		return fmt.Errorf("%w: %v", episode.ErrInvalidConfig, err)
	}
	if cfg.ClosesAtDAA <= meta.DAAScore {
		return fmt.Errorf("%w: closes at %d, chain already at %d",
			episode.ErrInvalidConfig, cfg.ClosesAtDAA, meta.DAAScore)
	}
	a.seller = participants[0]
	a.reserve = cfg.Reserve
	a.closesAt = cfg.ClosesAtDAA
	return nil
}

// Execute applies one bid at the score the carrying block reached.
func (a *Auction) Execute(cmd Bid, signer pki.PublicKey, meta *episode.Metadata) (Undo, error) {
	if meta.DAAScore >= a.closesAt {
		return Undo{}, ErrAuctionClosed
	}
	if signer == a.seller {
		return Undo{}, ErrSellerBid
	}
	if cmd.Amount < a.reserve {
		return Undo{}, ErrBelowReserve
	}
	if cmd.Amount <= a.leading {
		return Undo{}, ErrBidTooLow
	}
	undo := Undo{leader: a.leader, leading: a.leading}
	a.leader = signer
	a.leading = cmd.Amount
	a.bids++
	return undo, nil
}

// Rollback restores the standing bid the rolled-back bid displaced.
func (a *Auction) Rollback(undo Undo) bool {
	if a.bids == 0 {
		return false
	}
	a.leader = undo.leader
	a.leading = undo.leading
	a.bids--
	return true
}

// State is the notification snapshot.
type State struct {
	Seller      pki.PublicKey
	Reserve     uint64
	ClosesAtDAA uint64
	Leader      pki.PublicKey
	LeadingBid  uint64
	Bids        int
}

// Snapshot implements episode.Snapshotter.
func (a *Auction) Snapshot() any {
	return State{
		Seller:      a.seller,
		Reserve:     a.reserve,
		ClosesAtDAA: a.closesAt,
		Leader:      a.leader,
		LeadingBid:  a.leading,
		Bids:        a.bids,
	}
}

// Route is the stream filter for auction traffic: payloads open with
// "AUC1" and transaction ids carry 0xA5 in their low byte.
func Route() generator.Route {
	return generator.Route{
		Name:    "auction",
		Prefix:  []byte("AUC1"),
		Pattern: generator.Pattern{Bits: 0xA5, Width: 8},
	}
}
