// Package proxy narrows the network's accepted-transaction firehose to
// the event streams engines consume. A transaction reaches an engine
// only after three gates, cheapest first: a bit test on the transaction
// id, a prefix compare on the payload, and a full envelope decode.
// Events are forwarded per route in acceptance order; a reorg marker
// always precedes the replacement-chain events it covers.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/generator"
	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/kaspa/wrpc"
)

var (
	transactionsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daglight_proxy_transactions_scanned_total",
		Help: "Accepted transactions inspected against the route table",
	})
	eventsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_proxy_events_forwarded_total",
		Help: "Decoded command events forwarded to engines, by route",
	}, []string{"route"})
	payloadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_proxy_payloads_dropped_total",
		Help: "Pattern-matched payloads dropped for failing envelope decode, by route",
	}, []string{"route"})
	reorgsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daglight_proxy_reorgs_total",
		Help: "Chain reorganizations observed on the virtual chain stream",
	})
)

// Event is one unit of the ordered stream an engine consumes: either a
// decoded command message or, when Reorg is set, a marker instructing
// the engine to unwind to AncestorDAA before the events that follow.
type Event struct {
	EpisodeID episode.ID
	Msg       codec.Message
	TxID      kaspa.TransactionID
	DAAScore  uint64
	BlockTime uint64

	Reorg       bool
	AncestorDAA uint64
}

// Route binds a filter to the channel of the engine serving it. Sends
// block: a slow engine backpressures the proxy rather than losing
// events.
type Route struct {
	Filter generator.Route
	Events chan<- Event
}

// Node is the subscription surface the proxy pumps from.
type Node interface {
	SubscribeVirtualChainChanged(ctx context.Context) (<-chan wrpc.VirtualChainChanged, error)
}

// Proxy fans accepted transactions out to per-route event channels.
type Proxy struct {
	routes []Route
	log    *slog.Logger
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the proxy logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Proxy) { p.log = log }
}

// New builds a Proxy over the given routes.
func New(routes []Route, opts ...Option) (*Proxy, error) {
	if len(routes) == 0 {
		return nil, errors.New("proxy: at least one route is required")
	}
	for i, r := range routes {
		if err := r.Filter.Validate(); err != nil {
			return nil, fmt.Errorf("proxy: route %d: %w", i, err)
		}
		if r.Events == nil {
			return nil, fmt.Errorf("proxy: route %q: events channel is required", r.Filter.Name)
		}
	}
	p := &Proxy{routes: routes, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run subscribes to the node's virtual chain stream and pumps it until
// ctx is cancelled or the subscription closes. On return every route
// channel is closed, which is the engines' signal to drain and stop.
func (p *Proxy) Run(ctx context.Context, node Node) error {
	defer p.closeRoutes()

	sub, err := node.SubscribeVirtualChainChanged(ctx)
	if err != nil {
		return fmt.Errorf("proxy: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			p.drain(sub)
			return ctx.Err()
		case step, ok := <-sub:
			if !ok {
				return errors.New("proxy: virtual chain subscription closed")
			}
			p.step(step)
		}
	}
}

// drain forwards whatever the subscription already delivered before
// shutdown. Engines keep consuming until their channels close, so the
// sends still complete.
func (p *Proxy) drain(sub <-chan wrpc.VirtualChainChanged) {
	for {
		select {
		case step, ok := <-sub:
			if !ok {
				return
			}
			p.step(step)
		default:
			return
		}
	}
}

func (p *Proxy) step(step wrpc.VirtualChainChanged) {
	if len(step.RemovedChainBlockHashes) > 0 {
		p.OnReorg(step.ReorgAncestorDAAScore, step.AcceptedTransactions)
		return
	}
	for _, accepted := range step.AcceptedTransactions {
		p.accept(accepted)
	}
}

func (p *Proxy) accept(accepted wrpc.AcceptedTransaction) {
	tx, err := accepted.Transaction.Transaction()
	if err != nil {
		p.log.Warn("undecodable transaction on chain stream", "error", err)
		return
	}
	p.OnAccept(tx, accepted.AcceptingDAAScore, accepted.AcceptingBlockTime)
}

// OnAccept filters one accepted transaction against every route and
// forwards the decoded event to the routes it matches.
func (p *Proxy) OnAccept(tx *kaspa.Transaction, daaScore, blockTime uint64) {
	transactionsScanned.Inc()
	id := tx.ID()
	for _, r := range p.routes {
		if !r.Filter.MatchesID(id) {
			continue
		}
		if !bytes.HasPrefix(tx.Payload, r.Filter.Prefix) {
			continue
		}
		msg, err := codec.DecodePayload(r.Filter.Prefix, tx.Payload)
		if err != nil {
			payloadsDropped.WithLabelValues(r.Filter.Name).Inc()
			p.log.Debug("payload dropped",
				"route", r.Filter.Name, "tx", id, "error", err)
			continue
		}
		eventsForwarded.WithLabelValues(r.Filter.Name).Inc()
		r.Events <- Event{
			EpisodeID: msg.Episode(),
			Msg:       msg,
			TxID:      id,
			DAAScore:  daaScore,
			BlockTime: blockTime,
		}
	}
}

// OnReorg emits a rollback marker to ancestorDAA on every route, then
// rescans the replacement chain's accepted transactions through the
// normal filter path. Marker first: engines must unwind before they
// see the new chain.
func (p *Proxy) OnReorg(ancestorDAA uint64, newChain []wrpc.AcceptedTransaction) {
	reorgsObserved.Inc()
	p.log.Info("chain reorganization", "ancestor_daa", ancestorDAA, "replacement_transactions", len(newChain))
	for _, r := range p.routes {
		r.Events <- Event{Reorg: true, AncestorDAA: ancestorDAA, DAAScore: ancestorDAA}
	}
	for _, accepted := range newChain {
		p.accept(accepted)
	}
}

func (p *Proxy) closeRoutes() {
	for _, r := range p.routes {
		close(r.Events)
	}
}
