// Package wallet funds and submits command transactions for one
// schnorr keypair. It keeps an in-memory view of the address's
// unspent outputs and meters submissions so a misbehaving caller
// cannot drain the funding address.
package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/kaspa/wrpc"
	"github.com/daglight/daglight/internal/pki"
)

var (
	// ErrInsufficientFunds reports that no spendable utxo covers the
	// requested amount.
	ErrInsufficientFunds = errors.New("wallet: no spendable utxo covers the amount")
	// ErrRateLimited reports an exhausted submission budget.
	ErrRateLimited = errors.New("wallet: submission budget exhausted")
)

// UTXOSet is a mutable view of an address's unspent outputs. Spends
// are tracked locally so an output is never offered twice between
// refreshes.
type UTXOSet struct {
	mu      sync.Mutex
	entries map[kaspa.Outpoint]kaspa.UTXOEntry
	spent   map[kaspa.Outpoint]bool
}

// NewUTXOSet returns an empty set.
func NewUTXOSet() *UTXOSet {
	return &UTXOSet{
		entries: make(map[kaspa.Outpoint]kaspa.UTXOEntry),
		spent:   make(map[kaspa.Outpoint]bool),
	}
}

// Refresh replaces the set with the node's current view. Outpoints
// spent locally stay excluded while the node still reports them, since
// the spend has not confirmed yet.
func (s *UTXOSet) Refresh(utxos []kaspa.UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[kaspa.Outpoint]kaspa.UTXOEntry, len(utxos))
	spent := make(map[kaspa.Outpoint]bool)
	for _, u := range utxos {
		if s.spent[u.Outpoint] {
			spent[u.Outpoint] = true
			continue
		}
		entries[u.Outpoint] = u.Entry
	}
	s.entries = entries
	s.spent = spent
}

// Spendable returns the utxo with the smallest amount covering min,
// breaking ties on outpoint order so selection is stable.
func (s *UTXOSet) Spendable(min uint64) (kaspa.UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best kaspa.UTXO
	found := false
	for op, entry := range s.entries {
		if entry.Amount < min {
			continue
		}
		candidate := kaspa.UTXO{Outpoint: op, Entry: entry}
		if !found || prefer(candidate, best) {
			best = candidate
			found = true
		}
	}
	if !found {
		return kaspa.UTXO{}, ErrInsufficientFunds
	}
	return best, nil
}

func prefer(candidate, current kaspa.UTXO) bool {
	if candidate.Entry.Amount != current.Entry.Amount {
		return candidate.Entry.Amount < current.Entry.Amount
	}
	if c := bytes.Compare(candidate.Outpoint.TxID[:], current.Outpoint.TxID[:]); c != 0 {
		return c < 0
	}
	return candidate.Outpoint.Index < current.Outpoint.Index
}

// MarkSpent removes an outpoint from the spendable view and remembers
// the spend until a refresh no longer reports it.
func (s *UTXOSet) MarkSpent(op kaspa.Outpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, op)
	s.spent[op] = true
}

// Balance sums the spendable amounts.
func (s *UTXOSet) Balance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum uint64
	for _, entry := range s.entries {
		sum += entry.Amount
	}
	return sum
}

// Len reports how many outputs are spendable.
func (s *UTXOSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DefaultBurst is the submission burst budget.
const DefaultBurst = 5

// DefaultRate refills one submission every three minutes, twenty per
// hour.
var DefaultRate = rate.Every(3 * time.Minute)

// Node is the subset of the node RPC surface the wallet needs.
type Node interface {
	GetUTXOsByAddresses(ctx context.Context, addresses []string) ([]wrpc.UTXOsByAddressesEntry, error)
	SubmitTransaction(ctx context.Context, tx *kaspa.Transaction) (kaspa.TransactionID, error)
}

// Wallet binds a keypair to a funding address and its utxo view.
type Wallet struct {
	key     *pki.PrivateKey
	pub     pki.PublicKey
	address string
	utxos   *UTXOSet
	limiter *rate.Limiter
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithRateLimit overrides the submission budget.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(w *Wallet) { w.limiter = rate.NewLimiter(limit, burst) }
}

// New builds a wallet for key funded by the given address.
func New(key *pki.PrivateKey, address string, opts ...Option) (*Wallet, error) {
	if key == nil {
		return nil, errors.New("wallet: private key is required")
	}
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("wallet: funding address is required")
	}
	w := &Wallet{
		key:     key,
		pub:     key.PublicKey(),
		address: address,
		utxos:   NewUTXOSet(),
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Key returns the signing key.
func (w *Wallet) Key() *pki.PrivateKey { return w.key }

// PublicKey returns the wallet's x-only public key.
func (w *Wallet) PublicKey() pki.PublicKey { return w.pub }

// Address returns the funding address.
func (w *Wallet) Address() string { return w.address }

// Balance sums the wallet's spendable outputs.
func (w *Wallet) Balance() uint64 { return w.utxos.Balance() }

// Refresh replaces the utxo view with the node's.
func (w *Wallet) Refresh(ctx context.Context, node Node) error {
	entries, err := node.GetUTXOsByAddresses(ctx, []string{w.address})
	if err != nil {
		return fmt.Errorf("wallet: refresh utxos: %w", err)
	}
	utxos := make([]kaspa.UTXO, 0, len(entries))
	for _, e := range entries {
		u, err := e.UTXO()
		if err != nil {
			return fmt.Errorf("wallet: refresh utxos: %w", err)
		}
		utxos = append(utxos, u)
	}
	w.utxos.Refresh(utxos)
	return nil
}

// Fund picks a utxo able to cover fee with change left over.
func (w *Wallet) Fund(fee uint64) (kaspa.UTXO, error) {
	return w.utxos.Spendable(fee + 1)
}

// Submit meters the submission budget, broadcasts tx, and marks its
// inputs spent.
func (w *Wallet) Submit(ctx context.Context, node Node, tx *kaspa.Transaction) (kaspa.TransactionID, error) {
	if !w.limiter.Allow() {
		return kaspa.TransactionID{}, ErrRateLimited
	}
	id, err := node.SubmitTransaction(ctx, tx)
	if err != nil {
		return kaspa.TransactionID{}, fmt.Errorf("wallet: submit: %w", err)
	}
	for _, in := range tx.Inputs {
		w.utxos.MarkSpent(in.PreviousOutpoint)
	}
	return id, nil
}
