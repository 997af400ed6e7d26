// Package engine applies the proxy's ordered event stream to the
// episode instances of one application type. The apply loop is
// logically single threaded: it exclusively owns every instance, so
// episodes never see concurrent calls and need no locks.
//
// Every applied transition is recorded on a per-episode rollback stack.
// When the chain reorganizes, the stack is unwound to the reorg
// ancestor and the replacement chain's commands are applied on top,
// leaving exactly the state a fresh replay of the new chain would have
// produced. History is bounded: transitions older than the retention
// depth are evicted, and a reorg reaching past them quarantines the
// episode rather than letting replicas silently diverge.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/pki"
	"github.com/daglight/daglight/internal/proxy"
)

const (
	// DefaultNotificationCapacity bounds the outbound channel. Sends
	// never block; overflow is dropped and counted.
	DefaultNotificationCapacity = 256
	// DefaultRetentionDepth is how far back, in DAA score, rollback
	// history is kept. Tracks the network's pruning window at one DAA
	// per second.
	DefaultRetentionDepth = 2_592_000
	// DefaultExpiryHorizon evicts episodes idle for this many DAA
	// scores, roughly three days.
	DefaultExpiryHorizon = 259_200
	// DefaultPendingHorizon is how long, in DAA score, a command may
	// wait for its initializer before being dropped.
	DefaultPendingHorizon = 600
	// DefaultPendingPerEpisode bounds the commands buffered for one
	// uninitialized episode id.
	DefaultPendingPerEpisode = 32
	// DefaultPendingEpisodes bounds how many uninitialized ids may hold
	// buffers at once.
	DefaultPendingEpisodes = 256

	// sweepInterval is the event count between expiry sweeps.
	sweepInterval = 256
)

var (
	engineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_engine_events_total",
		Help: "Episode events processed, by engine and outcome",
	}, []string{"engine", "outcome"})
	engineRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_engine_rejections_total",
		Help: "Rejected commands, by engine and reason",
	}, []string{"engine", "reason"})
	engineRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_engine_rollbacks_total",
		Help: "Transitions undone by reorg unwinding, by engine",
	}, []string{"engine"})
	engineQuarantines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_engine_quarantines_total",
		Help: "Episodes quarantined after unrecoverable unwinds, by engine",
	}, []string{"engine"})
	engineExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_engine_episodes_expired_total",
		Help: "Episodes evicted for inactivity, by engine",
	}, []string{"engine"})
	engineActiveEpisodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "daglight_engine_episodes_active",
		Help: "Live episode instances, by engine",
	}, []string{"engine"})
	engineNotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daglight_engine_notifications_dropped_total",
		Help: "Notifications dropped on a full outbound channel, by engine",
	}, []string{"engine"})
)

type options struct {
	log               *slog.Logger
	notificationCap   int
	retentionDepth    uint64
	expiryHorizon     uint64
	pendingHorizon    uint64
	pendingPerEpisode int
	pendingEpisodes   int
}

func defaultOptions() options {
	return options{
		log:               slog.Default(),
		notificationCap:   DefaultNotificationCapacity,
		retentionDepth:    DefaultRetentionDepth,
		expiryHorizon:     DefaultExpiryHorizon,
		pendingHorizon:    DefaultPendingHorizon,
		pendingPerEpisode: DefaultPendingPerEpisode,
		pendingEpisodes:   DefaultPendingEpisodes,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithNotificationCapacity sets the outbound channel capacity.
func WithNotificationCapacity(n int) Option {
	return func(o *options) { o.notificationCap = n }
}

// WithRetentionDepth sets how far back rollback history is kept.
func WithRetentionDepth(depth uint64) Option {
	return func(o *options) { o.retentionDepth = depth }
}

// WithExpiryHorizon sets the idle eviction horizon.
func WithExpiryHorizon(horizon uint64) Option {
	return func(o *options) { o.expiryHorizon = horizon }
}

// WithPendingHorizon sets how long commands wait for their
// initializer.
func WithPendingHorizon(horizon uint64) Option {
	return func(o *options) { o.pendingHorizon = horizon }
}

// WithPendingLimits bounds the pre-initializer buffer: commands per
// episode id and buffered ids overall.
func WithPendingLimits(perEpisode, episodes int) Option {
	return func(o *options) {
		o.pendingPerEpisode = perEpisode
		o.pendingEpisodes = episodes
	}
}

type frameKind uint8

const (
	frameInit frameKind = iota
	frameCommand
	frameTerminate
)

// frame is one rollback stack entry. position is the DAA score the
// unwind compares against the reorg ancestor; for commands drained
// from the pending buffer it is the initializer's score, since the
// transition logically happened at initialization.
type frame[R any] struct {
	kind     frameKind
	position uint64
	txID     kaspa.TransactionID
	rollback R
	sig      pki.Signature
	drained  bool
	origin   proxy.Event
}

// instance is one live episode: the application state plus the
// bookkeeping the engine needs to authorize, deduplicate, and unwind.
type instance[C any, R any, E episode.Episode[C, R]] struct {
	id           episode.ID
	app          E
	participants []pki.PublicKey
	stack        []frame[R]
	seen         map[pki.Signature]uint64
	createdAt    uint64
	lastActivity uint64
	floor        uint64
	stateSeq     uint64
	terminatedAt uint64
	quarantined  bool
}

func (in *instance[C, R, E]) participant(key pki.PublicKey) bool {
	return slices.Contains(in.participants, key)
}

// Engine hosts every episode instance of one application type. C is
// the application command type, R its rollback record, E the episode
// implementation.
type Engine[C any, R any, E episode.Episode[C, R]] struct {
	name    string
	factory func() E
	decode  func([]byte) (C, error)
	events  <-chan proxy.Event
	opts    options
	log     *slog.Logger

	notifications chan Notification

	episodes map[episode.ID]*instance[C, R, E]
	retired  map[episode.ID]*instance[C, R, E]
	pending  map[episode.ID][]proxy.Event

	eventCount uint64
}

// New builds an engine for one application type. factory produces a
// fresh zero-state episode per Initialize; decode parses application
// command bodies; events is the proxy route feeding this engine.
func New[C, R any, E episode.Episode[C, R]](name string, factory func() E, decode func([]byte) (C, error), events <-chan proxy.Event, opts ...Option) (*Engine[C, R, E], error) {
	if name == "" {
		return nil, errors.New("engine: name is required")
	}
	if factory == nil {
		return nil, errors.New("engine: episode factory is required")
	}
	if decode == nil {
		return nil, errors.New("engine: command decoder is required")
	}
	if events == nil {
		return nil, errors.New("engine: event channel is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine[C, R, E]{
		name:          name,
		factory:       factory,
		decode:        decode,
		events:        events,
		opts:          o,
		log:           o.log,
		notifications: make(chan Notification, o.notificationCap),
		episodes:      make(map[episode.ID]*instance[C, R, E]),
		retired:       make(map[episode.ID]*instance[C, R, E]),
		pending:       make(map[episode.ID][]proxy.Event),
	}, nil
}

// Name returns the engine name used in logs and metrics.
func (e *Engine[C, R, E]) Name() string { return e.name }

// Notifications returns the outbound channel. It is closed when Run
// returns.
func (e *Engine[C, R, E]) Notifications() <-chan Notification { return e.notifications }

// Run consumes the event stream until ctx is cancelled or the stream
// closes. On cancellation it still drains the stream to the close, so
// no delivered event is half applied, then closes the notification
// channel.
func (e *Engine[C, R, E]) Run(ctx context.Context) error {
	defer close(e.notifications)
	e.log.Info("engine started", "engine", e.name)
	for {
		select {
		case <-ctx.Done():
			for ev := range e.events {
				e.handle(ev)
			}
			e.log.Info("engine stopped", "engine", e.name, "episodes", len(e.episodes))
			return ctx.Err()
		case ev, ok := <-e.events:
			if !ok {
				e.log.Info("engine stopped", "engine", e.name, "episodes", len(e.episodes))
				return nil
			}
			e.handle(ev)
		}
	}
}

func (e *Engine[C, R, E]) handle(ev proxy.Event) {
	e.eventCount++
	if ev.Reorg {
		e.unwindTo(ev.AncestorDAA)
	} else {
		e.dispatch(ev, nil)
	}
	if e.eventCount%sweepInterval == 0 {
		e.sweep(ev.DAAScore)
	}
	engineActiveEpisodes.WithLabelValues(e.name).Set(float64(len(e.episodes)))
}

// dispatch routes one event. origin is non-nil when the event is being
// drained from the pending buffer.
func (e *Engine[C, R, E]) dispatch(ev proxy.Event, origin *proxy.Event) {
	switch msg := ev.Msg.(type) {
	case *codec.Initialize:
		e.handleInitialize(msg, ev)
	case *codec.Command:
		e.handleCommand(msg, ev, origin)
	case *codec.Terminate:
		e.handleTerminate(msg, ev, origin)
	default:
		e.notifyRejected(ev.EpisodeID, ev, ReasonDecodeError, "unknown message variant")
	}
}

func (e *Engine[C, R, E]) handleInitialize(msg *codec.Initialize, ev proxy.Event) {
	id := msg.EpisodeID
	if id == 0 {
		id = episode.IDFromTransaction(ev.TxID)
	}
	if _, ok := e.episodes[id]; ok {
		e.notifyRejected(id, ev, ReasonDuplicateCommand, "episode already initialized")
		return
	}
	if _, ok := e.retired[id]; ok {
		e.notifyRejected(id, ev, ReasonDuplicateCommand, "episode id already used")
		return
	}

	app := e.factory()
	if err := app.Initialize(msg.Participants, msg.Config, metadata(ev)); err != nil {
		e.notifyRejected(id, ev, ReasonApplicationRuleError, err.Error())
		return
	}
	inst := &instance[C, R, E]{
		id:           id,
		app:          app,
		participants: slices.Clone(msg.Participants),
		stack:        []frame[R]{{kind: frameInit, position: ev.DAAScore, txID: ev.TxID}},
		seen:         make(map[pki.Signature]uint64),
		createdAt:    ev.DAAScore,
		lastActivity: ev.DAAScore,
		stateSeq:     1,
	}
	e.episodes[id] = inst
	e.log.Info("episode initialized",
		"engine", e.name, "episode", id, "participants", len(inst.participants), "daa", ev.DAAScore)
	e.notifyApplied(inst, ev)

	// Commands that arrived ahead of their initializer apply now, in
	// arrival order.
	buffered := e.pending[id]
	delete(e.pending, id)
	for i := range buffered {
		e.dispatch(buffered[i], &buffered[i])
	}
}

func (e *Engine[C, R, E]) handleCommand(msg *codec.Command, ev proxy.Event, origin *proxy.Event) {
	inst, ok := e.episodes[msg.EpisodeID]
	if !ok {
		e.missing(msg.EpisodeID, ev)
		return
	}
	if !inst.participant(msg.Signer) {
		e.notifyRejected(inst.id, ev, ReasonAuthorizationError, "signer is not a participant")
		return
	}
	if _, dup := inst.seen[msg.Signature]; dup {
		e.notifyRejected(inst.id, ev, ReasonDuplicateCommand, "signature already applied")
		return
	}
	if !pki.Verify(msg.Signer, msg.SigningDigest(), msg.Signature) {
		e.notifyRejected(inst.id, ev, ReasonAuthorizationError, "invalid signature")
		return
	}
	cmd, err := e.decode(msg.Body)
	if err != nil {
		e.notifyRejected(inst.id, ev, ReasonDecodeError, err.Error())
		return
	}
	rollback, err := inst.app.Execute(cmd, msg.Signer, metadata(ev))
	if err != nil {
		e.notifyRejected(inst.id, ev, ReasonApplicationRuleError, err.Error())
		return
	}

	fr := frame[R]{kind: frameCommand, position: ev.DAAScore, txID: ev.TxID, rollback: rollback, sig: msg.Signature}
	if origin != nil {
		fr.position = inst.createdAt
		fr.drained = true
		fr.origin = *origin
	}
	inst.stack = append(inst.stack, fr)
	inst.seen[msg.Signature] = fr.position
	inst.lastActivity = ev.DAAScore
	inst.stateSeq++
	e.notifyApplied(inst, ev)
}

func (e *Engine[C, R, E]) handleTerminate(msg *codec.Terminate, ev proxy.Event, origin *proxy.Event) {
	inst, ok := e.episodes[msg.EpisodeID]
	if !ok {
		e.missing(msg.EpisodeID, ev)
		return
	}
	if !inst.participant(msg.Signer) {
		e.notifyRejected(inst.id, ev, ReasonAuthorizationError, "signer is not a participant")
		return
	}
	if _, dup := inst.seen[msg.Signature]; dup {
		e.notifyRejected(inst.id, ev, ReasonDuplicateCommand, "signature already applied")
		return
	}
	if !pki.Verify(msg.Signer, msg.SigningDigest(), msg.Signature) {
		e.notifyRejected(inst.id, ev, ReasonAuthorizationError, "invalid signature")
		return
	}

	fr := frame[R]{kind: frameTerminate, position: ev.DAAScore, txID: ev.TxID, sig: msg.Signature}
	if origin != nil {
		fr.position = inst.createdAt
		fr.drained = true
		fr.origin = *origin
	}
	inst.stack = append(inst.stack, fr)
	inst.seen[msg.Signature] = fr.position
	inst.lastActivity = ev.DAAScore
	inst.stateSeq++
	inst.terminatedAt = ev.DAAScore
	delete(e.episodes, inst.id)
	e.retired[inst.id] = inst
	e.log.Info("episode terminated", "engine", e.name, "episode", inst.id, "daa", ev.DAAScore)
	e.notifyApplied(inst, ev)
}

// missing handles a command whose episode is not active: terminated
// ids are rejected, unseen ids are buffered awaiting an initializer.
func (e *Engine[C, R, E]) missing(id episode.ID, ev proxy.Event) {
	if _, gone := e.retired[id]; gone {
		e.notifyRejected(id, ev, ReasonUnknownEpisode, "episode terminated")
		return
	}
	queue := e.pending[id]
	if queue == nil && len(e.pending) >= e.opts.pendingEpisodes {
		e.notifyRejected(id, ev, ReasonEpisodeNotFound, "pending buffer full")
		return
	}
	if len(queue) >= e.opts.pendingPerEpisode {
		e.notifyRejected(id, ev, ReasonEpisodeNotFound, "pending buffer full for episode")
		return
	}
	e.pending[id] = append(queue, ev)
}

type unwindResult int

const (
	unwindKept unwindResult = iota
	unwindDeleted
	unwindQuarantined
)

// unwindTo pops every transition past the reorg ancestor, across all
// instances, live and retired.
func (e *Engine[C, R, E]) unwindTo(ancestor uint64) {
	e.log.Info("unwinding to reorg ancestor", "engine", e.name, "ancestor_daa", ancestor)

	// Instances move between maps while unwinding, so snapshot first.
	all := make([]*instance[C, R, E], 0, len(e.episodes)+len(e.retired))
	for _, inst := range e.episodes {
		all = append(all, inst)
	}
	for _, inst := range e.retired {
		if !inst.quarantined {
			all = append(all, inst)
		}
	}

	for _, inst := range all {
		switch e.unwindInstance(inst, ancestor) {
		case unwindDeleted:
			delete(e.episodes, inst.id)
			delete(e.retired, inst.id)
		case unwindQuarantined:
			e.quarantine(inst, ancestor, "history evicted past the reorg ancestor")
		case unwindKept:
			if inst.terminatedAt == 0 {
				delete(e.retired, inst.id)
				e.episodes[inst.id] = inst
			}
		}
	}

	// Buffered commands from the abandoned chain segment never
	// applied; the replacement chain delivers its own copies.
	for id, queue := range e.pending {
		kept := queue[:0]
		for _, bev := range queue {
			if bev.DAAScore <= ancestor {
				kept = append(kept, bev)
			}
		}
		if len(kept) == 0 {
			delete(e.pending, id)
			continue
		}
		e.pending[id] = kept
	}
}

func (e *Engine[C, R, E]) unwindInstance(inst *instance[C, R, E], ancestor uint64) unwindResult {
	var rebuffer []proxy.Event
	for len(inst.stack) > 0 {
		top := inst.stack[len(inst.stack)-1]
		if top.position <= ancestor {
			break
		}
		inst.stack = inst.stack[:len(inst.stack)-1]

		switch top.kind {
		case frameInit:
			// The initializer is gone; on the replacement chain this
			// episode does not exist. Its drained commands go back to
			// the buffer to wait for a new initializer.
			e.requeue(inst.id, rebuffer)
			return unwindDeleted
		case frameCommand:
			if !inst.app.Rollback(top.rollback) {
				return unwindQuarantined
			}
			engineRollbacks.WithLabelValues(e.name).Inc()
			delete(inst.seen, top.sig)
			inst.stateSeq++
			if top.drained {
				rebuffer = append(rebuffer, top.origin)
			}
		case frameTerminate:
			delete(inst.seen, top.sig)
			inst.terminatedAt = 0
			inst.stateSeq++
			if top.drained {
				rebuffer = append(rebuffer, top.origin)
			}
		}
	}
	if ancestor < inst.floor {
		return unwindQuarantined
	}
	e.requeue(inst.id, rebuffer)
	return unwindKept
}

// requeue puts unwound pre-initializer commands back in the pending
// buffer, oldest first. events arrive in pop order, newest first.
func (e *Engine[C, R, E]) requeue(id episode.ID, events []proxy.Event) {
	if len(events) == 0 {
		return
	}
	slices.Reverse(events)
	e.pending[id] = append(events, e.pending[id]...)
}

func (e *Engine[C, R, E]) quarantine(inst *instance[C, R, E], daa uint64, detail string) {
	delete(e.episodes, inst.id)
	inst.quarantined = true
	if inst.terminatedAt == 0 {
		inst.terminatedAt = daa
	}
	e.retired[inst.id] = inst
	engineQuarantines.WithLabelValues(e.name).Inc()
	e.log.Error("episode quarantined", "engine", e.name, "episode", inst.id, "detail", detail)
	e.notify(Notification{
		Engine:    e.name,
		EpisodeID: inst.id,
		DAAScore:  daa,
		Outcome:   OutcomeQuarantined,
		Reason:    ReasonInvariantBreach,
		Detail:    detail,
		StateSeq:  inst.stateSeq,
	})
}

// sweep evicts idle episodes, trims rollback history past the
// retention depth, forgets long-retired ids, and expires buffered
// commands whose initializer never came.
func (e *Engine[C, R, E]) sweep(now uint64) {
	for id, inst := range e.episodes {
		e.trimRetention(inst, now)
		if now > inst.lastActivity && now-inst.lastActivity > e.opts.expiryHorizon {
			delete(e.episodes, id)
			inst.terminatedAt = now
			e.retired[id] = inst
			engineExpired.WithLabelValues(e.name).Inc()
			e.log.Info("episode expired",
				"engine", e.name, "episode", id, "idle_daa", now-inst.lastActivity)
		}
	}
	for id, inst := range e.retired {
		e.trimRetention(inst, now)
		if now > inst.terminatedAt && now-inst.terminatedAt > e.opts.retentionDepth {
			delete(e.retired, id)
		}
	}
	for id, queue := range e.pending {
		kept := queue[:0]
		for _, ev := range queue {
			if now > ev.DAAScore && now-ev.DAAScore > e.opts.pendingHorizon {
				e.notifyRejected(id, ev, ReasonEpisodeNotFound, "no initializer within the buffering horizon")
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(e.pending, id)
			continue
		}
		e.pending[id] = kept
	}
}

// trimRetention drops stack frames older than the retention depth and
// raises the floor below which unwinding is impossible.
func (e *Engine[C, R, E]) trimRetention(inst *instance[C, R, E], now uint64) {
	cut := 0
	for cut < len(inst.stack) {
		fr := inst.stack[cut]
		if now <= fr.position || now-fr.position <= e.opts.retentionDepth {
			break
		}
		if fr.kind != frameInit {
			delete(inst.seen, fr.sig)
		}
		inst.floor = fr.position
		cut++
	}
	if cut > 0 {
		inst.stack = slices.Delete(inst.stack, 0, cut)
	}
}

func metadata(ev proxy.Event) *episode.Metadata {
	return &episode.Metadata{TxID: ev.TxID, DAAScore: ev.DAAScore, BlockTime: ev.BlockTime}
}

func (e *Engine[C, R, E]) notifyApplied(inst *instance[C, R, E], ev proxy.Event) {
	engineEvents.WithLabelValues(e.name, string(OutcomeApplied)).Inc()
	n := Notification{
		Engine:    e.name,
		EpisodeID: inst.id,
		TxID:      ev.TxID,
		DAAScore:  ev.DAAScore,
		Outcome:   OutcomeApplied,
		StateSeq:  inst.stateSeq,
	}
	if s, ok := any(inst.app).(episode.Snapshotter); ok {
		n.State = s.Snapshot()
	}
	e.notify(n)
}

func (e *Engine[C, R, E]) notifyRejected(id episode.ID, ev proxy.Event, reason Reason, detail string) {
	engineEvents.WithLabelValues(e.name, string(OutcomeRejected)).Inc()
	engineRejections.WithLabelValues(e.name, string(reason)).Inc()
	e.log.Debug("command rejected",
		"engine", e.name, "episode", id, "reason", string(reason), "detail", detail, "tx", ev.TxID)
	e.notify(Notification{
		Engine:    e.name,
		EpisodeID: id,
		TxID:      ev.TxID,
		DAAScore:  ev.DAAScore,
		Outcome:   OutcomeRejected,
		Reason:    reason,
		Detail:    detail,
	})
}

// notify never blocks the apply loop; consumers that lag lose
// notifications, not state.
func (e *Engine[C, R, E]) notify(n Notification) {
	select {
	case e.notifications <- n:
	default:
		engineNotificationsDropped.WithLabelValues(e.name).Inc()
	}
}
