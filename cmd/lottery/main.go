// Command lottery drives a lottery contract through its lifecycle.
//
// Without RPC_URL on a local network every invocation runs against a fresh
// in-process dev chain, so only deploy, status and scenario are meaningful
// there; point RPC_URL and LOTTERY_ADDRESS at a node to drive one lottery
// across invocations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/lottery/internal/app"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/deploy"
	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/lottery"
)

// Version is set via linker flags.
var Version = "dev"

// Commonly used command line flags.
var (
	networkFlag = &cli.StringFlag{
		Name:  "network",
		Usage: "network to use, overriding NETWORK",
	}
	fromFlag = &cli.IntFlag{
		Name:  "from",
		Usage: "index of the signing account",
		Value: 0,
	}
	accountFlag = &cli.IntFlag{
		Name:  "account",
		Usage: "index of the entering account",
		Value: 1,
	}
	valueFlag = &cli.StringFlag{
		Name:  "value",
		Usage: "ether sent with the entry (default: the entrance fee)",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "number of rounds to list",
		Value: 20,
	}
)

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "lottery"
	a.Usage = "deploy and drive a lottery contract"
	a.Version = Version
	a.Flags = []cli.Flag{networkFlag, fromFlag}
	a.Commands = []*cli.Command{
		commandDeploy,
		commandStatus,
		commandStart,
		commandEnter,
		commandFund,
		commandEnd,
		commandDraw,
		commandResolve,
		commandPrice,
		commandRounds,
		commandScenario,
	}
	return a
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is what a command works with once the environment is open.
type session struct {
	env   *app.Env
	stack *deploy.Stack
	orch  *lottery.Orchestrator
	owner common.Address
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if n := ctx.String(networkFlag.Name); n != "" {
		cfg.Network = n
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// open loads config, connects and resolves the lottery, deploying one when
// LOTTERY_ADDRESS is unset.
func open(ctx *cli.Context) (*session, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(ctx.App.ErrWriter, cfg.LogLevel, cfg.LogFormat)

	env, err := app.Open(ctx.Context, cfg, logger, app.Options{})
	if err != nil {
		return nil, err
	}
	s := &session{env: env}
	if s.owner, err = env.Account(ctx.Context, ctx.Int(fromFlag.Name)); err != nil {
		_ = env.Close()
		return nil, err
	}
	if s.stack, err = env.Stack(ctx.Context, s.owner); err != nil {
		_ = env.Close()
		return nil, err
	}
	s.orch = env.Orchestrator(s.stack.Lottery)
	return s, nil
}

// withSession opens a session around fn.
func withSession(fn func(ctx *cli.Context, s *session) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		s, err := open(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.env.Close() }()
		return fn(ctx, s)
	}
}

func (s *session) fulfiller() lottery.Fulfiller {
	return s.env.Deployer.Fulfiller(s.stack, s.owner)
}

// settle resolves req with the oracle simulator when the network has one and
// waits for the live oracle otherwise.
func (s *session) settle(c context.Context, req *lottery.Request) (*lottery.Outcome, error) {
	if f := s.fulfiller(); f != nil {
		return s.orch.Resolve(c, req, f)
	}
	return s.orch.Await(c, req)
}

func printJSON(ctx *cli.Context, v any) error {
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
