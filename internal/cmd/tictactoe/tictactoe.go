// Package tictactoe is the player CLI: it builds, signs, mines, and
// submits the transactions that drive a board game episode.
package tictactoe

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	app "github.com/daglight/daglight/internal/apps/tictactoe"
	"github.com/daglight/daglight/internal/codec"
	"github.com/daglight/daglight/internal/episode"
	"github.com/daglight/daglight/internal/generator"
	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/kaspa/wrpc"
	entrypoint "github.com/daglight/daglight/internal/platform/cmd"
	"github.com/daglight/daglight/internal/pki"
	"github.com/daglight/daglight/internal/wallet"
)

// Config holds player CLI configuration. Exactly one of New, Move, or
// Resign selects the action.
type Config struct {
	Network string `env:"DAGLIGHT_NETWORK" envDefault:"testnet-10"`
	NodeURL string `env:"DAGLIGHT_NODE_URL"`
	Key     string `env:"DAGLIGHT_KEY"`

	New      bool
	Opponent string
	Episode  uint64
	Move     string
	Resign   bool
	Sequence uint64
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Network, "network", cfg.Network, "The network to play on (mainnet, testnet-10, simnet, devnet)")
	fs.StringVar(&cfg.NodeURL, "node-url", cfg.NodeURL, "The node wRPC endpoint (overrides the network default)")
	fs.StringVar(&cfg.Key, "key", cfg.Key, "The player private key in hex (or DAGLIGHT_KEY)")
	fs.BoolVar(&cfg.New, "new", cfg.New, "Initialize a new episode; the initiator moves first")
	fs.StringVar(&cfg.Opponent, "opponent", cfg.Opponent, "The opponent public key in hex (with -new)")
	fs.Uint64Var(&cfg.Episode, "episode", cfg.Episode, "The episode id to act on")
	fs.StringVar(&cfg.Move, "move", cfg.Move, "The move to play, as row,col")
	fs.BoolVar(&cfg.Resign, "resign", cfg.Resign, "Terminate the episode")
	fs.Uint64Var(&cfg.Sequence, "seq", cfg.Sequence, "Command sequence nonce (0 uses the current unix time)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run performs the configured action against the network and writes
// the resulting episode and transaction ids to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	params, err := kaspa.ParamsForNetwork(cfg.Network)
	if err != nil {
		return err
	}
	if cfg.Key == "" {
		return errors.New("a private key is required (-key or DAGLIGHT_KEY)")
	}
	key, err := pki.ParsePrivateKeyHex(cfg.Key)
	if err != nil {
		return err
	}

	msg, err := buildMessage(cfg, key)
	if err != nil {
		return err
	}

	nodeURL := cfg.NodeURL
	if nodeURL == "" {
		nodeURL = params.DefaultRPCURL
	}
	node, err := wrpc.Dial(ctx, nodeURL)
	if err != nil {
		return err
	}
	defer node.Close()

	w, err := wallet.New(key, kaspa.Address(params.AddressPrefix, key.PublicKey()))
	if err != nil {
		return err
	}
	if err := w.Refresh(ctx, node); err != nil {
		return err
	}
	utxo, err := w.Fund(kaspa.DefaultFee)
	if err != nil {
		return fmt.Errorf("fund transaction from %s: %w", w.Address(), err)
	}

	gen, err := generator.New(app.Route(), key)
	if err != nil {
		return err
	}
	tx, err := gen.Build(utxo, msg)
	if err != nil {
		return err
	}

	txID, err := w.Submit(ctx, node, tx)
	if err != nil {
		return err
	}

	id := msg.Episode()
	if id == 0 {
		id = episode.IDFromTransaction(txID)
	}
	fmt.Fprintf(out, "episode %d\ntx %s\n", id, txID)
	return nil
}

// buildMessage assembles and signs the message the configured action
// calls for.
func buildMessage(cfg Config, key *pki.PrivateKey) (codec.Message, error) {
	seq := cfg.Sequence
	if seq == 0 {
		seq = uint64(time.Now().Unix())
	}
	switch {
	case cfg.New:
		if cfg.Opponent == "" {
			return nil, errors.New("-new requires -opponent")
		}
		opponent, err := pki.ParsePublicKeyHex(cfg.Opponent)
		if err != nil {
			return nil, fmt.Errorf("parse opponent key: %w", err)
		}
		self := key.PublicKey()
		if opponent == self {
			return nil, errors.New("opponent must be a different player")
		}
		return &codec.Initialize{Participants: []pki.PublicKey{self, opponent}}, nil

	case cfg.Move != "":
		id, err := episodeID(cfg.Episode)
		if err != nil {
			return nil, err
		}
		row, col, err := parseMove(cfg.Move)
		if err != nil {
			return nil, err
		}
		body, err := codec.Encode(app.Move{Row: row, Col: col})
		if err != nil {
			return nil, err
		}
		cmd := &codec.Command{EpisodeID: id, Sequence: seq, Body: body, Signer: key.PublicKey()}
		sig, err := key.Sign(cmd.SigningDigest())
		if err != nil {
			return nil, err
		}
		cmd.Signature = sig
		return cmd, nil

	case cfg.Resign:
		id, err := episodeID(cfg.Episode)
		if err != nil {
			return nil, err
		}
		term := &codec.Terminate{EpisodeID: id, Sequence: seq, Signer: key.PublicKey()}
		sig, err := key.Sign(term.SigningDigest())
		if err != nil {
			return nil, err
		}
		term.Signature = sig
		return term, nil

	default:
		return nil, errors.New("nothing to do: pass -new, -move, or -resign")
	}
}

func episodeID(raw uint64) (episode.ID, error) {
	if raw == 0 {
		return 0, errors.New("an episode id is required (-episode)")
	}
	if raw > math.MaxUint32 {
		return 0, fmt.Errorf("episode id %d exceeds the id space", raw)
	}
	return episode.ID(raw), nil
}

// parseMove splits "row,col" into board coordinates.
func parseMove(s string) (uint8, uint8, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("move %q must be row,col", s)
	}
	row, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("move row: %w", err)
	}
	col, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("move col: %w", err)
	}
	return uint8(row), uint8(col), nil
}
