// Lotteryd serves a lottery over HTTP and streams its round events.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/lottery/internal/app"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/health"
	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/realtime"
	"github.com/mbd888/lottery/internal/server"
	"github.com/mbd888/lottery/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting lotteryd",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"network", cfg.Network,
		"dev_chain", cfg.UseDevChain(),
		"oracle_simulation", cfg.SupportsOracleSimulation(),
	)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := traces.Init(ctx, "lotteryd", cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	env, err := app.Open(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	operator, err := env.Account(ctx, 0)
	if err != nil {
		return err
	}
	stack, err := env.Stack(ctx, operator)
	if err != nil {
		return err
	}
	logger.Info("serving lottery", "address", stack.Lottery.Hex(), "operator", operator.Hex())

	hub := realtime.NewHub(logger)
	orch := env.Orchestrator(stack.Lottery, lottery.WithNotifier(hub))

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithHub(hub),
		server.WithOperator(operator),
		server.WithLinkToken(stack.LinkToken),
	}
	if f := env.Deployer.Fulfiller(stack, operator); f != nil {
		opts = append(opts, server.WithFulfiller(f))
	}
	if env.DB != nil {
		opts = append(opts, server.WithHealthCheck("database", health.Database(env.DB)))
	}

	return server.New(cfg, env.Client, orch, opts...).Run(ctx)
}
