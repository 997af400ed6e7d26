// Package tictactoe is a two-player episode: a 3x3 grid where X is
// the first participant and players alternate marks. It doubles as
// the reference application for the engine's ordering and rollback
// guarantees, since every rule violation and every undo is checkable
// by eye.
package tictactoe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/generator"
	"github.com/daglight/daglight/internal/pki"
)

var (
	ErrOutOfTurn    = errors.New("tictactoe: not the signer's turn")
	ErrCellOccupied = errors.New("tictactoe: cell already marked")
	ErrOutOfBounds  = errors.New("tictactoe: cell outside the board")
	ErrGameOver     = errors.New("tictactoe: game already finished")
)

// Mark is one cell's content.
type Mark uint8

const (
	Empty Mark = iota
	X
	O
)

func (m Mark) String() string {
	switch m {
	case X:
		return "X"
	case O:
		return "O"
	default:
		return "."
	}
}

// Status is the game phase.
type Status uint8

const (
	StatusPlaying Status = iota
	StatusWon
	StatusDraw
)

// Move marks one cell. Row and Col are 0..2.
type Move struct {
	Row uint8
	Col uint8
}

// EncodeTo writes the canonical move encoding.
func (m Move) EncodeTo(w *codec.Writer) {
	w.U8(m.Row)
	w.U8(m.Col)
}

// DecodeFrom reads the canonical move encoding.
func (m *Move) DecodeFrom(r *codec.Reader) error {
	m.Row = r.U8()
	m.Col = r.U8()
	return r.Err()
}

// DecodeCommand parses a command body into a Move.
func DecodeCommand(body []byte) (Move, error) {
	var m Move
	if err := codec.Decode(body, &m); err != nil {
		return Move{}, err
	}
	return m, nil
}

// Undo restores the position before one move.
type Undo struct {
	row uint8
	col uint8
}

// Game is the episode state. The zero value is ready for Initialize.
type Game struct {
	players [2]pki.PublicKey
	board   [3][3]Mark
	turn    int
	moves   int
	status  Status
	winner  pki.PublicKey
}

// New returns an uninitialized game.
func New() *Game {
	return &Game{}
}

// Initialize registers exactly two distinct players. X is
// participants[0] and moves first. No config is accepted.
func (g *Game) Initialize(participants []pki.PublicKey, config []byte, _ *episode.Metadata) error {
	if len(participants) != 2 {
		return fmt.Errorf("%w: need 2 players, got %d", episode.ErrParticipantArity, len(participants))
	}
	if participants[0] == participants[1] {
		return errors.New("tictactoe: players must differ")
	}
	if len(config) != 0 {
		return fmt.Errorf("%w: tictactoe takes no config", episode.ErrInvalidConfig)
	}
	g.players[0] = participants[0]
	g.players[1] = participants[1]
	return nil
}

// Execute applies one move for signer.
func (g *Game) Execute(cmd Move, signer pki.PublicKey, _ *episode.Metadata) (Undo, error) {
	if g.status != StatusPlaying {
		return Undo{}, ErrGameOver
	}
	if cmd.Row > 2 || cmd.Col > 2 {
		return Undo{}, ErrOutOfBounds
	}
	if signer != g.players[g.turn] {
		return Undo{}, ErrOutOfTurn
	}
	if g.board[cmd.Row][cmd.Col] != Empty {
		return Undo{}, ErrCellOccupied
	}

	mark := X
	if g.turn == 1 {
		mark = O
	}
	g.board[cmd.Row][cmd.Col] = mark
	g.moves++
	switch {
	case g.winningLine(mark):
		g.status = StatusWon
		g.winner = signer
	case g.moves == 9:
		g.status = StatusDraw
	}
	g.turn = 1 - g.turn
	return Undo{row: cmd.Row, col: cmd.Col}, nil
}

// Rollback clears the cell a move marked and restores the turn. A move
// only happens while playing, so the prior status is always playing.
func (g *Game) Rollback(undo Undo) bool {
	if undo.row > 2 || undo.col > 2 || g.board[undo.row][undo.col] == Empty {
		return false
	}
	g.board[undo.row][undo.col] = Empty
	g.moves--
	g.turn = 1 - g.turn
	g.status = StatusPlaying
	g.winner = pki.PublicKey{}
	return true
}

func (g *Game) winningLine(mark Mark) bool {
	for i := 0; i < 3; i++ {
		if g.board[i][0] == mark && g.board[i][1] == mark && g.board[i][2] == mark {
			return true
		}
		if g.board[0][i] == mark && g.board[1][i] == mark && g.board[2][i] == mark {
			return true
		}
	}
	if g.board[0][0] == mark && g.board[1][1] == mark && g.board[2][2] == mark {
		return true
	}
	return g.board[0][2] == mark && g.board[1][1] == mark && g.board[2][0] == mark
}

// State is the notification snapshot.
type State struct {
	Board  [3][3]Mark
	Next   pki.PublicKey
	Moves  int
	Status Status
	Winner pki.PublicKey
}

func (s State) String() string {
	var b strings.Builder
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			b.WriteString(s.Board[r][c].String())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Snapshot implements episode.Snapshotter.
func (g *Game) Snapshot() any {
	return State{
		Board:  g.board,
		Next:   g.players[g.turn],
		Moves:  g.moves,
		Status: g.status,
		Winner: g.winner,
	}
}

// Route is the stream filter for tictactoe traffic: payloads open with
// "XOXO" and transaction ids carry 0x5A in their low byte.
func Route() generator.Route {
	return generator.Route{
		Name:    "tictactoe",
		Prefix:  []byte("XOXO"),
		Pattern: generator.Pattern{Bits: 0x5A, Width: 8},
	}
}
