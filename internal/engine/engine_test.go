package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/pki"
	"github.com/daglight/daglight/internal/proxy"
)

// counter is the test episode: a signed running total with an exact
// inverse, so unwinding is checkable by value.
type counter struct {
	total  int64
	wedged bool
}

type counterCmd struct {
	delta int64
}

type counterUndo struct {
	prev int64
}

var errZeroDelta = errors.New("counter: zero delta")

func newCounter() *counter { return &counter{} }

func newWedgedCounter() *counter { return &counter{wedged: true} }

func (c *counter) Initialize(participants []pki.PublicKey, config []byte, _ *episode.Metadata) error {
	switch {
	case len(participants) == 0:
		return episode.ErrParticipantArity
	case len(config) == 8:
		c.total = int64(binary.LittleEndian.Uint64(config))
	case len(config) != 0:
		return episode.ErrInvalidConfig
	}
	return nil
}

func (c *counter) Execute(cmd counterCmd, _ pki.PublicKey, _ *episode.Metadata) (counterUndo, error) {
	if cmd.delta == 0 {
		return counterUndo{}, errZeroDelta
	}
	undo := counterUndo{prev: c.total}
	c.total += cmd.delta
	return undo, nil
}

func (c *counter) Rollback(undo counterUndo) bool {
	if c.wedged {
		return false
	}
	c.total = undo.prev
	return true
}

func (c *counter) Snapshot() any { return c.total }

func decodeCounterCmd(body []byte) (counterCmd, error) {
	if len(body) != 8 {
		return counterCmd{}, errors.New("counter: command body must be 8 bytes")
	}
	return counterCmd{delta: int64(binary.LittleEndian.Uint64(body))}, nil
}

func deltaBody(delta int64) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(delta))
	return body
}

func newTestEngine(t *testing.T, opts ...Option) *Engine[counterCmd, counterUndo, *counter] {
	t.Helper()
	e, err := New[counterCmd, counterUndo]("counter", newCounter, decodeCounterCmd, make(chan proxy.Event), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func testKey(t testing.TB) (*pki.PrivateKey, pki.PublicKey) {
	t.Helper()
	key, pub, err := pki.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return key, pub
}

func testTxID(n uint32) kaspa.TransactionID {
	var id kaspa.TransactionID
	binary.LittleEndian.PutUint32(id[:4], n)
	return id
}

func initEvent(id episode.ID, participants []pki.PublicKey, config []byte, tx uint32, daa uint64) proxy.Event {
	msg := &codec.Initialize{EpisodeID: id, Participants: participants, Config: config}
	return proxy.Event{EpisodeID: id, Msg: msg, TxID: testTxID(tx), DAAScore: daa, BlockTime: daa * 1000}
}

func commandEvent(t testing.TB, key *pki.PrivateKey, id episode.ID, seq uint64, body []byte, tx uint32, daa uint64) proxy.Event {
	t.Helper()
	msg := &codec.Command{EpisodeID: id, Sequence: seq, Body: body, Signer: key.PublicKey()}
	sig, err := key.Sign(msg.SigningDigest())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	msg.Signature = sig
	return proxy.Event{EpisodeID: id, Msg: msg, TxID: testTxID(tx), DAAScore: daa, BlockTime: daa * 1000}
}

func terminateEvent(t testing.TB, key *pki.PrivateKey, id episode.ID, seq uint64, tx uint32, daa uint64) proxy.Event {
	t.Helper()
	msg := &codec.Terminate{EpisodeID: id, Sequence: seq, Signer: key.PublicKey()}
	sig, err := key.Sign(msg.SigningDigest())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	msg.Signature = sig
	return proxy.Event{EpisodeID: id, Msg: msg, TxID: testTxID(tx), DAAScore: daa, BlockTime: daa * 1000}
}

func reorgEvent(ancestor uint64) proxy.Event {
	return proxy.Event{Reorg: true, AncestorDAA: ancestor, DAAScore: ancestor}
}

func next[C, R any, E episode.Episode[C, R]](t *testing.T, e *Engine[C, R, E]) Notification {
	t.Helper()
	select {
	case n := <-e.notifications:
		return n
	default:
		t.Fatal("expected a pending notification")
		return Notification{}
	}
}

func drainNotifications(e *Engine[counterCmd, counterUndo, *counter]) []Notification {
	var out []Notification
	for {
		select {
		case n := <-e.notifications:
			out = append(out, n)
		default:
			return out
		}
	}
}

func total(t *testing.T, e *Engine[counterCmd, counterUndo, *counter], id episode.ID) int64 {
	t.Helper()
	inst, ok := e.episodes[id]
	if !ok {
		t.Fatalf("episode %d not active", id)
	}
	return inst.app.total
}

func TestNewValidation(t *testing.T) {
	events := make(chan proxy.Event)
	tests := []struct {
		name string
		fn   func() error
	}{
		{"empty name", func() error {
			_, err := New[counterCmd, counterUndo]("", newCounter, decodeCounterCmd, events)
			return err
		}},
		{"nil factory", func() error {
			_, err := New[counterCmd, counterUndo, *counter]("counter", nil, decodeCounterCmd, events)
			return err
		}},
		{"nil decoder", func() error {
			_, err := New[counterCmd, counterUndo]("counter", newCounter, nil, events)
			return err
		}},
		{"nil events", func() error {
			_, err := New[counterCmd, counterUndo]("counter", newCounter, decodeCounterCmd, nil)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fn() == nil {
				t.Fatal("got nil error, want validation failure")
			}
		})
	}
}

func TestInitializeCreatesEpisode(t *testing.T) {
	e := newTestEngine(t)
	_, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))

	n := next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %q, want %q", n.Outcome, OutcomeApplied)
	}
	if n.EpisodeID != 7 {
		t.Errorf("episode = %d, want 7", n.EpisodeID)
	}
	if n.StateSeq != 1 {
		t.Errorf("state seq = %d, want 1", n.StateSeq)
	}
	if state, ok := n.State.(int64); !ok || state != 0 {
		t.Errorf("state = %v, want int64(0)", n.State)
	}
	if _, ok := e.episodes[7]; !ok {
		t.Error("episode 7 not registered")
	}
}

func TestInitializeDerivesIDFromTransaction(t *testing.T) {
	e := newTestEngine(t)
	_, pub := testKey(t)

	e.handle(initEvent(0, []pki.PublicKey{pub}, nil, 42, 100))

	n := next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %q, want %q", n.Outcome, OutcomeApplied)
	}
	if n.EpisodeID != 42 {
		t.Errorf("derived episode = %d, want 42", n.EpisodeID)
	}
}

func TestInitializeRejections(t *testing.T) {
	key, pub := testKey(t)
	participants := []pki.PublicKey{pub}

	t.Run("duplicate id", func(t *testing.T) {
		e := newTestEngine(t)
		e.handle(initEvent(7, participants, nil, 1, 100))
		drainNotifications(e)

		e.handle(initEvent(7, participants, nil, 2, 101))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonDuplicateCommand {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonDuplicateCommand)
		}
	})

	t.Run("retired id", func(t *testing.T) {
		e := newTestEngine(t)
		e.handle(initEvent(7, participants, nil, 1, 100))
		e.handle(terminateEvent(t, key, 7, 1, 2, 101))
		drainNotifications(e)

		e.handle(initEvent(7, participants, nil, 3, 102))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonDuplicateCommand {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonDuplicateCommand)
		}
	})

	t.Run("no participants", func(t *testing.T) {
		e := newTestEngine(t)
		e.handle(initEvent(7, nil, nil, 1, 100))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonApplicationRuleError {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonApplicationRuleError)
		}
		if _, ok := e.episodes[7]; ok {
			t.Error("rejected initializer registered an episode")
		}
	})

	t.Run("bad config", func(t *testing.T) {
		e := newTestEngine(t)
		e.handle(initEvent(7, participants, []byte{1, 2, 3}, 1, 100))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonApplicationRuleError {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonApplicationRuleError)
		}
	})
}

func TestCommandApplies(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	drainNotifications(e)

	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 110))

	n := next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %q, want %q (detail: %s)", n.Outcome, OutcomeApplied, n.Detail)
	}
	if n.StateSeq != 2 {
		t.Errorf("state seq = %d, want 2", n.StateSeq)
	}
	if state, ok := n.State.(int64); !ok || state != 5 {
		t.Errorf("state = %v, want int64(5)", n.State)
	}
	if got := total(t, e, 7); got != 5 {
		t.Errorf("total = %d, want 5", got)
	}
}

func TestCommandRejections(t *testing.T) {
	key, pub := testKey(t)
	stranger, _ := testKey(t)
	participants := []pki.PublicKey{pub}

	setup := func(t *testing.T) *Engine[counterCmd, counterUndo, *counter] {
		e := newTestEngine(t)
		e.handle(initEvent(7, participants, nil, 1, 100))
		drainNotifications(e)
		return e
	}

	t.Run("non participant", func(t *testing.T) {
		e := setup(t)
		e.handle(commandEvent(t, stranger, 7, 1, deltaBody(5), 2, 110))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonAuthorizationError {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonAuthorizationError)
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		e := setup(t)
		ev := commandEvent(t, key, 7, 1, deltaBody(5), 2, 110)
		ev.Msg.(*codec.Command).Signature[0] ^= 0xFF
		e.handle(ev)
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonAuthorizationError {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonAuthorizationError)
		}
	})

	t.Run("replayed signature", func(t *testing.T) {
		e := setup(t)
		e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 110))
		drainNotifications(e)

		e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 3, 115))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonDuplicateCommand {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonDuplicateCommand)
		}
		if got := total(t, e, 7); got != 5 {
			t.Errorf("total = %d, want 5 (replay must not reapply)", got)
		}
	})

	t.Run("undecodable body", func(t *testing.T) {
		e := setup(t)
		e.handle(commandEvent(t, key, 7, 1, []byte{1, 2, 3}, 2, 110))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonDecodeError {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonDecodeError)
		}
	})

	t.Run("application rule", func(t *testing.T) {
		e := setup(t)
		e.handle(commandEvent(t, key, 7, 1, deltaBody(0), 2, 110))
		n := next(t, e)
		if n.Outcome != OutcomeRejected || n.Reason != ReasonApplicationRuleError {
			t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonApplicationRuleError)
		}
		if n.Detail != errZeroDelta.Error() {
			t.Errorf("detail = %q, want %q", n.Detail, errZeroDelta)
		}
	})
}

func TestTerminateRetiresEpisode(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	drainNotifications(e)

	e.handle(terminateEvent(t, key, 7, 1, 2, 110))
	n := next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("terminate outcome = %q, want %q", n.Outcome, OutcomeApplied)
	}
	if _, ok := e.episodes[7]; ok {
		t.Error("terminated episode still active")
	}

	e.handle(commandEvent(t, key, 7, 2, deltaBody(5), 3, 115))
	n = next(t, e)
	if n.Outcome != OutcomeRejected || n.Reason != ReasonUnknownEpisode {
		t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonUnknownEpisode)
	}
}

func TestReorgUnwindsToAncestor(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(commandEvent(t, key, 7, 1, deltaBody(1), 2, 101))
	e.handle(commandEvent(t, key, 7, 2, deltaBody(2), 3, 102))
	e.handle(commandEvent(t, key, 7, 3, deltaBody(4), 4, 103))
	drainNotifications(e)
	if got := total(t, e, 7); got != 7 {
		t.Fatalf("total before reorg = %d, want 7", got)
	}

	e.handle(reorgEvent(102))

	if got := total(t, e, 7); got != 3 {
		t.Errorf("total after unwind = %d, want 3", got)
	}

	// The abandoned command's signature is free again, so the
	// replacement chain can carry the same transaction.
	e.handle(commandEvent(t, key, 7, 3, deltaBody(4), 5, 104))
	n := next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("reapply outcome = %q, want %q (detail: %s)", n.Outcome, OutcomeApplied, n.Detail)
	}
	if got := total(t, e, 7); got != 7 {
		t.Errorf("total after reapply = %d, want 7", got)
	}
}

func TestReorgRemovesEpisodeWhenInitializerUnwound(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 101))
	drainNotifications(e)

	e.handle(reorgEvent(99))

	if _, ok := e.episodes[7]; ok {
		t.Fatal("episode survived the loss of its initializer")
	}
	if _, ok := e.retired[7]; ok {
		t.Fatal("removed episode lingers in the retired set")
	}

	// The id is usable again on the replacement chain.
	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 3, 100))
	n := next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("re-init outcome = %q, want %q", n.Outcome, OutcomeApplied)
	}
}

func TestReorgReactivatesTerminatedEpisode(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 110))
	e.handle(terminateEvent(t, key, 7, 2, 3, 120))
	drainNotifications(e)

	e.handle(commandEvent(t, key, 7, 3, deltaBody(3), 4, 125))
	n := next(t, e)
	if n.Reason != ReasonUnknownEpisode {
		t.Fatalf("reason = %q, want %q", n.Reason, ReasonUnknownEpisode)
	}

	// The terminating transaction sat above the ancestor, so it never
	// happened on the replacement chain.
	e.handle(reorgEvent(115))

	e.handle(commandEvent(t, key, 7, 4, deltaBody(3), 5, 130))
	n = next(t, e)
	if n.Outcome != OutcomeApplied {
		t.Fatalf("post-reorg outcome = %q, want %q (detail: %s)", n.Outcome, OutcomeApplied, n.Detail)
	}
	if got := total(t, e, 7); got != 8 {
		t.Errorf("total = %d, want 8", got)
	}
}

func TestRollbackFailureQuarantines(t *testing.T) {
	e, err := New[counterCmd, counterUndo]("counter", newWedgedCounter, decodeCounterCmd, make(chan proxy.Event))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 110))
	drainNotifications(e)

	e.handle(reorgEvent(105))

	n := next(t, e)
	if n.Outcome != OutcomeQuarantined || n.Reason != ReasonInvariantBreach {
		t.Fatalf("got %q/%q, want %q/%q", n.Outcome, n.Reason, OutcomeQuarantined, ReasonInvariantBreach)
	}
	if _, ok := e.episodes[7]; ok {
		t.Error("quarantined episode still active")
	}

	e.handle(commandEvent(t, key, 7, 2, deltaBody(3), 3, 120))
	n = next(t, e)
	if n.Reason != ReasonUnknownEpisode {
		t.Errorf("post-quarantine reason = %q, want %q", n.Reason, ReasonUnknownEpisode)
	}
}

func TestReorgPastRetentionQuarantines(t *testing.T) {
	e := newTestEngine(t, WithRetentionDepth(25))
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(commandEvent(t, key, 7, 1, deltaBody(1), 2, 105))
	e.handle(commandEvent(t, key, 7, 2, deltaBody(2), 3, 110))
	e.handle(commandEvent(t, key, 7, 3, deltaBody(4), 4, 120))
	drainNotifications(e)

	e.sweep(140)
	inst := e.episodes[7]
	if len(inst.stack) != 1 {
		t.Fatalf("stack after trim = %d frames, want 1", len(inst.stack))
	}
	if inst.floor != 110 {
		t.Fatalf("floor = %d, want 110", inst.floor)
	}

	// Unwinding to 115 only pops the frame at 120.
	e.handle(reorgEvent(115))
	if got := total(t, e, 7); got != 3 {
		t.Fatalf("total after shallow reorg = %d, want 3", got)
	}
	drainNotifications(e)

	// 105 is below the floor: the history needed to get there is gone.
	e.handle(reorgEvent(105))
	n := next(t, e)
	if n.Outcome != OutcomeQuarantined || n.Reason != ReasonInvariantBreach {
		t.Fatalf("got %q/%q, want %q/%q", n.Outcome, n.Reason, OutcomeQuarantined, ReasonInvariantBreach)
	}

	// Quarantine is terminal: later reorgs never resurrect the state.
	e.handle(reorgEvent(200))
	e.handle(commandEvent(t, key, 7, 4, deltaBody(1), 5, 210))
	n = next(t, e)
	if n.Reason != ReasonUnknownEpisode {
		t.Errorf("post-quarantine reason = %q, want %q", n.Reason, ReasonUnknownEpisode)
	}
}

func TestPendingBufferDrainsOnInitialize(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	// Commands surface before their initializer: buffered, silently.
	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 100))
	e.handle(commandEvent(t, key, 7, 2, deltaBody(3), 3, 101))
	if got := drainNotifications(e); len(got) != 0 {
		t.Fatalf("buffering produced %d notifications, want 0", len(got))
	}

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 105))

	got := drainNotifications(e)
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3 (init + 2 drained)", len(got))
	}
	for i, n := range got {
		if n.Outcome != OutcomeApplied {
			t.Fatalf("notification %d outcome = %q, want %q (detail: %s)", i, n.Outcome, OutcomeApplied, n.Detail)
		}
	}
	if got[1].DAAScore != 100 || got[2].DAAScore != 101 {
		t.Errorf("drained scores = %d, %d, want 100, 101 (arrival order)", got[1].DAAScore, got[2].DAAScore)
	}
	if got := total(t, e, 7); got != 8 {
		t.Errorf("total = %d, want 8", got)
	}
}

func TestPendingBufferSurvivesInitializerReorg(t *testing.T) {
	e := newTestEngine(t)
	key, pub := testKey(t)

	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 100))
	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 105))
	drainNotifications(e)
	if got := total(t, e, 7); got != 5 {
		t.Fatalf("total = %d, want 5", got)
	}

	// The initializer lands above the ancestor; the buffered command's
	// own transaction does not, so it must wait for a new initializer
	// rather than vanish with the old one.
	e.handle(reorgEvent(102))
	if _, ok := e.episodes[7]; ok {
		t.Fatal("episode survived the loss of its initializer")
	}
	if got := len(e.pending[7]); got != 1 {
		t.Fatalf("pending after reorg = %d events, want 1", got)
	}

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 3, 104))
	got := drainNotifications(e)
	if len(got) != 2 {
		t.Fatalf("got %d notifications, want 2 (init + drained)", len(got))
	}
	if got[1].Outcome != OutcomeApplied {
		t.Fatalf("drained outcome = %q, want %q (detail: %s)", got[1].Outcome, OutcomeApplied, got[1].Detail)
	}
	if got := total(t, e, 7); got != 5 {
		t.Errorf("total = %d, want 5", got)
	}
}

func TestReorgPrunesPendingAboveAncestor(t *testing.T) {
	e := newTestEngine(t)
	key, _ := testKey(t)

	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 120))
	e.handle(reorgEvent(110))

	if len(e.pending) != 0 {
		t.Fatalf("pending after reorg = %d ids, want 0", len(e.pending))
	}
}

func TestPendingBufferCaps(t *testing.T) {
	e := newTestEngine(t, WithPendingLimits(2, 1))
	key, _ := testKey(t)

	e.handle(commandEvent(t, key, 7, 1, deltaBody(1), 1, 100))
	e.handle(commandEvent(t, key, 7, 2, deltaBody(2), 2, 101))

	e.handle(commandEvent(t, key, 7, 3, deltaBody(3), 3, 102))
	n := next(t, e)
	if n.Outcome != OutcomeRejected || n.Reason != ReasonEpisodeNotFound {
		t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonEpisodeNotFound)
	}

	e.handle(commandEvent(t, key, 8, 1, deltaBody(1), 4, 103))
	n = next(t, e)
	if n.Outcome != OutcomeRejected || n.Reason != ReasonEpisodeNotFound {
		t.Fatalf("got %q/%q, want rejected/%q", n.Outcome, n.Reason, ReasonEpisodeNotFound)
	}
}

func TestPendingHorizonExpires(t *testing.T) {
	e := newTestEngine(t, WithPendingHorizon(50), WithNotificationCapacity(512))
	key, pub := testKey(t)

	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 1, 100))

	// Sweeps ride the event stream; unrelated traffic advances the
	// clock past the horizon.
	for i := range uint32(sweepInterval) {
		e.handle(initEvent(episode.ID(1000+i), []pki.PublicKey{pub}, nil, 1000+i, 200))
	}

	var rejected *Notification
	for _, n := range drainNotifications(e) {
		if n.Outcome == OutcomeRejected {
			rejected = &n
		}
	}
	if rejected == nil {
		t.Fatal("expired pending command produced no rejection")
	}
	if rejected.EpisodeID != 7 || rejected.Reason != ReasonEpisodeNotFound {
		t.Fatalf("got episode %d reason %q, want 7 %q", rejected.EpisodeID, rejected.Reason, ReasonEpisodeNotFound)
	}
	if len(e.pending) != 0 {
		t.Errorf("pending after sweep = %d ids, want 0", len(e.pending))
	}
}

func TestEpisodeExpiresWhenIdle(t *testing.T) {
	e := newTestEngine(t, WithExpiryHorizon(50))
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	drainNotifications(e)

	e.sweep(200)

	if _, ok := e.episodes[7]; ok {
		t.Fatal("idle episode still active after sweep")
	}
	if got := drainNotifications(e); len(got) != 0 {
		t.Fatalf("expiry produced %d notifications, want 0", len(got))
	}

	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 210))
	n := next(t, e)
	if n.Reason != ReasonUnknownEpisode {
		t.Errorf("post-expiry reason = %q, want %q", n.Reason, ReasonUnknownEpisode)
	}
}

func TestRetiredEpisodesAreForgotten(t *testing.T) {
	e := newTestEngine(t, WithRetentionDepth(100))
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(terminateEvent(t, key, 7, 1, 2, 110))
	drainNotifications(e)
	if _, ok := e.retired[7]; !ok {
		t.Fatal("terminated episode not retired")
	}

	e.sweep(300)

	if _, ok := e.retired[7]; ok {
		t.Fatal("retired episode survived past the retention depth")
	}
}

func TestNotificationOverflowDropsNotState(t *testing.T) {
	e := newTestEngine(t, WithNotificationCapacity(1))
	key, pub := testKey(t)

	e.handle(initEvent(7, []pki.PublicKey{pub}, nil, 1, 100))
	e.handle(commandEvent(t, key, 7, 1, deltaBody(5), 2, 110))

	if got := len(e.notifications); got != 1 {
		t.Fatalf("channel holds %d notifications, want 1", got)
	}
	if got := total(t, e, 7); got != 5 {
		t.Errorf("total = %d, want 5 (drops must not lose state)", got)
	}
}

func TestRunStopsWhenStreamCloses(t *testing.T) {
	events := make(chan proxy.Event, 2)
	e, err := New[counterCmd, counterUndo]("counter", newCounter, decodeCounterCmd, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, pub := testKey(t)

	events <- initEvent(7, []pki.PublicKey{pub}, nil, 1, 100)
	close(events)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []Notification
	for n := range e.Notifications() {
		got = append(got, n)
	}
	if len(got) != 1 || got[0].Outcome != OutcomeApplied {
		t.Fatalf("got %d notifications, want 1 applied", len(got))
	}
}

func TestRunDrainsStreamAfterCancel(t *testing.T) {
	events := make(chan proxy.Event, 2)
	e, err := New[counterCmd, counterUndo]("counter", newCounter, decodeCounterCmd, events)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key, pub := testKey(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events <- initEvent(7, []pki.PublicKey{pub}, nil, 1, 100)
	events <- commandEvent(t, key, 7, 1, deltaBody(5), 2, 110)
	close(events)

	if err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	applied := 0
	for n := range e.Notifications() {
		if n.Outcome == OutcomeApplied {
			applied++
		}
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2 (delivered events apply before shutdown)", applied)
	}
}

// TestReorgReplayEquivalence checks the engine's core guarantee: after
// a reorg, state matches what a fresh replay of the surviving chain
// would produce.
func TestReorgReplayEquivalence(t *testing.T) {
	key, pub := testKey(t)
	participants := []pki.PublicKey{pub}

	rapid.Check(t, func(rt *rapid.T) {
		prefixLen := rapid.IntRange(0, 5).Draw(rt, "prefixLen")
		abandonedLen := rapid.IntRange(1, 5).Draw(rt, "abandonedLen")
		replacementLen := rapid.IntRange(0, 5).Draw(rt, "replacementLen")

		event := func(seq uint64, delta int64, tx uint32, daa uint64) proxy.Event {
			return commandEvent(t, key, 7, seq, deltaBody(delta), tx, daa)
		}

		init := initEvent(7, participants, nil, 1, 100)
		var prefix, abandoned, replacement []proxy.Event
		daa := uint64(101)
		for i := range prefixLen {
			delta := rapid.Int64Range(1, 1_000).Draw(rt, "prefixDelta")
			prefix = append(prefix, event(uint64(1+i), delta, uint32(10+i), daa))
			daa++
		}
		ancestor := daa - 1
		for i := range abandonedLen {
			delta := rapid.Int64Range(1, 1_000).Draw(rt, "abandonedDelta")
			abandoned = append(abandoned, event(uint64(1_000+i), delta, uint32(1_000+i), daa))
			daa++
		}
		daa = ancestor + 1
		for i := range replacementLen {
			delta := rapid.Int64Range(1, 1_000).Draw(rt, "replacementDelta")
			replacement = append(replacement, event(uint64(2_000+i), delta, uint32(2_000+i), daa))
			daa++
		}

		reorged, err := New[counterCmd, counterUndo]("reorged", newCounter, decodeCounterCmd, make(chan proxy.Event))
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		reorged.handle(init)
		for _, ev := range prefix {
			reorged.handle(ev)
		}
		for _, ev := range abandoned {
			reorged.handle(ev)
		}
		reorged.handle(reorgEvent(ancestor))
		for _, ev := range replacement {
			reorged.handle(ev)
		}

		replayed, err := New[counterCmd, counterUndo]("replayed", newCounter, decodeCounterCmd, make(chan proxy.Event))
		if err != nil {
			rt.Fatalf("New: %v", err)
		}
		replayed.handle(init)
		for _, ev := range prefix {
			replayed.handle(ev)
		}
		for _, ev := range replacement {
			replayed.handle(ev)
		}

		got := reorged.episodes[7].app.total
		want := replayed.episodes[7].app.total
		if got != want {
			rt.Fatalf("reorged total = %d, replayed total = %d", got, want)
		}
	})
}
