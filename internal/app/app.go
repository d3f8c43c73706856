// Package app assembles the collaborators every lottery command needs: the
// chain client for the configured network, the round journal and a deployer.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/deploy"
	"github.com/mbd888/lottery/internal/devchain"
	"github.com/mbd888/lottery/internal/devchain/contracts"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/rounds"
	"github.com/mbd888/lottery/migrations"
)

// Env holds the opened collaborators. Close releases them.
type Env struct {
	Config   *config.Config
	Logger   *slog.Logger
	Client   chain.Client
	Journal  rounds.Store
	DB       *sql.DB // nil when the journal is in memory
	Deployer *deploy.Deployer

	closers []func() error
}

// Options tune Open.
type Options struct {
	// DevChain options for local networks without RPC_URL.
	DevChain []devchain.Option
	// Migrate applies the journal schema on open.
	Migrate bool
}

// Open connects to the configured network and journal.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Env, error) {
	env := &Env{Config: cfg, Logger: logger}

	var raw chain.Client
	var artifacts chain.ArtifactSource
	if cfg.UseDevChain() {
		dc := contracts.NewChain(append([]devchain.Option{devchain.WithLogger(logger)}, opts.DevChain...)...)
		raw, artifacts = dc, contracts.Source{}
		logger.Info("using in-process dev chain", "network", cfg.Network)
	} else {
		rc, err := chain.Dial(ctx, cfg.RPC())
		if err != nil {
			return nil, err
		}
		raw, artifacts = rc, chain.DirArtifacts(cfg.ArtifactsDir)
		logger.Info("connected to node", "network", cfg.Network, "rpc", maskURL(cfg.RPCURL))
	}
	env.closers = append(env.closers, raw.Close)
	env.Client = chain.Instrument(raw, logger)

	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL, opts.Migrate)
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		env.DB = db
		env.Journal = rounds.NewPostgresStore(db)
		env.closers = append(env.closers, db.Close)
		logger.Info("round journal: postgres", "dsn", maskURL(cfg.DatabaseURL))
	} else {
		env.Journal = rounds.NewMemoryStore()
		logger.Info("round journal: in-memory")
	}

	env.Deployer = &deploy.Deployer{
		Client:    env.Client,
		Artifacts: artifacts,
		Config:    cfg,
		Logger:    logger,
	}
	return env, nil
}

func openDB(ctx context.Context, dsn string, migrate bool) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if migrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return db, nil
}

// Close releases everything Open acquired, newest first.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Account returns the index-th signing account. Index 0 is PRIVATE_KEY on
// live networks and the first pre-funded account on the dev chain.
func (e *Env) Account(ctx context.Context, index int) (common.Address, error) {
	return chain.Account(ctx, e.Client, index)
}

// Orchestrator drives the lottery at addr with the env's journal.
func (e *Env) Orchestrator(addr common.Address, opts ...lottery.Option) *lottery.Orchestrator {
	base := []lottery.Option{
		lottery.WithJournal(e.Journal),
		lottery.WithLogger(e.Logger),
		lottery.WithPollInterval(e.Config.PollInterval),
	}
	return lottery.New(e.Client, addr, append(base, opts...)...)
}

// Stack returns the configured lottery, or deploys one when LOTTERY_ADDRESS is
// unset.
func (e *Env) Stack(ctx context.Context, owner common.Address) (*deploy.Stack, error) {
	if e.Config.LotteryAddress != "" {
		return deploy.Existing(e.Config)
	}
	return e.Deployer.DeployLottery(ctx, owner)
}

// maskURL hides the password of a connection string for logging
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
