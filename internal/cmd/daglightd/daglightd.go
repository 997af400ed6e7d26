// Package daglightd parses daemon configuration and supervises the
// runtime: one node connection, the proxy, one engine per built-in
// application, the notification log, and the metrics endpoint.
package daglightd

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/daglight/daglight/internal/apps/auction"
	"github.com/daglight/daglight/internal/apps/tictactoe"
	"github.com/daglight/daglight/internal/engine"
	"github.com/daglight/daglight/internal/kaspa"
	"github.com/daglight/daglight/internal/kaspa/wrpc"
	entrypoint "github.com/daglight/daglight/internal/platform/cmd"
	"github.com/daglight/daglight/internal/platform/logging"
	"github.com/daglight/daglight/internal/platform/metrics"
	"github.com/daglight/daglight/internal/proxy"
)

// routeBuffer is the capacity of each engine's event channel. Sends
// block once it fills, so a slow engine backpressures the proxy
// instead of losing events.
const routeBuffer = 1024

// Config holds daemon configuration.
type Config struct {
	Network        string `env:"DAGLIGHT_NETWORK" envDefault:"testnet-10"`
	NodeURL        string `env:"DAGLIGHT_NODE_URL"`
	MetricsAddr    string `env:"DAGLIGHT_METRICS_ADDR" envDefault:"localhost:2112"`
	RetentionDepth uint64 `env:"DAGLIGHT_RETENTION_DEPTH"`
	ExpiryHorizon  uint64 `env:"DAGLIGHT_EXPIRY_HORIZON" envDefault:"259200"`
	PendingHorizon uint64 `env:"DAGLIGHT_PENDING_HORIZON" envDefault:"600"`
	Log            logging.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Network, "network", cfg.Network, "The network to follow (mainnet, testnet-10, simnet, devnet)")
	fs.StringVar(&cfg.NodeURL, "node-url", cfg.NodeURL, "The node wRPC endpoint (overrides the network default)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "The metrics listen address (empty disables the endpoint)")
	fs.Uint64Var(&cfg.RetentionDepth, "retention-depth", cfg.RetentionDepth, "Rollback history depth in DAA score units (0 uses the network pruning window)")
	fs.Uint64Var(&cfg.ExpiryHorizon, "expiry-horizon", cfg.ExpiryHorizon, "Idle episode eviction horizon in DAA score units")
	fs.Uint64Var(&cfg.PendingHorizon, "pending-horizon", cfg.PendingHorizon, "Pre-initializer buffering horizon in DAA score units")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the daemon and blocks until the context ends or a
// component fails.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDaemon, func(ctx context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	params, err := kaspa.ParamsForNetwork(cfg.Network)
	if err != nil {
		return err
	}
	nodeURL := cfg.NodeURL
	if nodeURL == "" {
		nodeURL = params.DefaultRPCURL
	}
	retention := cfg.RetentionDepth
	if retention == 0 {
		retention = params.RetentionDepth
	}

	log := logging.New(os.Stdout, cfg.Log)
	slog.SetDefault(log)

	node, err := wrpc.Dial(ctx, nodeURL, wrpc.WithLogger(log))
	if err != nil {
		return err
	}
	defer node.Close()

	log.Info("daemon starting",
		"network", params.Name, "node", nodeURL, "retention_depth", retention)

	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithRetentionDepth(retention),
		engine.WithExpiryHorizon(cfg.ExpiryHorizon),
		engine.WithPendingHorizon(cfg.PendingHorizon),
	}

	games := make(chan proxy.Event, routeBuffer)
	gameEngine, err := engine.New[tictactoe.Move, tictactoe.Undo](
		"tictactoe", tictactoe.New, tictactoe.DecodeCommand, games, engineOpts...)
	if err != nil {
		return err
	}

	auctions := make(chan proxy.Event, routeBuffer)
	auctionEngine, err := engine.New[auction.Bid, auction.Undo](
		"auction", auction.New, auction.DecodeCommand, auctions, engineOpts...)
	if err != nil {
		return err
	}

	p, err := proxy.New([]proxy.Route{
		{Filter: tictactoe.Route(), Events: games},
		{Filter: auction.Route(), Events: auctions},
	}, proxy.WithLogger(log))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx, node) })
	g.Go(func() error { return gameEngine.Run(ctx) })
	g.Go(func() error { return auctionEngine.Run(ctx) })
	g.Go(func() error { logNotifications(log, gameEngine.Notifications()); return nil })
	g.Go(func() error { logNotifications(log, auctionEngine.Notifications()); return nil })
	g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, log) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-node.Done():
			return errors.New("daglightd: node connection lost")
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("daemon stopped")
	return nil
}

// logNotifications mirrors engine outcomes onto the process log until
// the channel closes.
func logNotifications(log *slog.Logger, notes <-chan engine.Notification) {
	for n := range notes {
		switch n.Outcome {
		case engine.OutcomeApplied:
			log.Info("command applied",
				"engine", n.Engine, "episode", n.EpisodeID, "tx", n.TxID,
				"daa", n.DAAScore, "state_seq", n.StateSeq)
		case engine.OutcomeQuarantined:
			log.Error("episode quarantined",
				"engine", n.Engine, "episode", n.EpisodeID,
				"daa", n.DAAScore, "detail", n.Detail)
		default:
			log.Warn("command rejected",
				"engine", n.Engine, "episode", n.EpisodeID, "tx", n.TxID,
				"reason", n.Reason, "detail", n.Detail)
		}
	}
}
