// Command simplestorage deploys SimpleStorage and shows that only a mined
// store transaction changes what retrieve returns.
//
// With --source the contract is compiled with solc first and the artifact is
// written next to the compiler output; otherwise the artifact is resolved the
// same way the lottery tooling resolves its contracts.
package main

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/mbd888/lottery/internal/app"
	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/compiler"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/simplestorage"
)

var (
	sourceFlag = &cli.StringFlag{
		Name:  "source",
		Usage: "compile this " + simplestorage.SourceFile + " with solc before deploying",
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "directory for " + compiler.OutputFile,
		Value: ".",
	}
	valueFlag = &cli.StringFlag{
		Name:  "value",
		Usage: "number to store",
		Value: simplestorage.DefaultValue.String(),
	}
	fromFlag = &cli.IntFlag{
		Name:  "from",
		Usage: "index of the deploying account",
	}
)

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "simplestorage"
	a.Usage = "compile, deploy and mutate a SimpleStorage contract"
	a.Flags = []cli.Flag{sourceFlag, outFlag, valueFlag, fromFlag}
	a.Action = run
	return a
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	value, ok := new(big.Int).SetString(ctx.String(valueFlag.Name), 10)
	if !ok || value.Sign() < 0 {
		return fmt.Errorf("--value must be a non-negative integer")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(ctx.App.ErrWriter, cfg.LogLevel, cfg.LogFormat)

	env, err := app.Open(ctx.Context, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	var artifact *chain.Artifact
	if src := ctx.String(sourceFlag.Name); src != "" {
		c := &compiler.Compiler{Solc: cfg.SolcBin, Logger: logger}
		artifact, err = c.CompileFile(ctx.Context, src, ctx.String(outFlag.Name), simplestorage.ContractName)
		if err == nil {
			logger.Info("compiled", "source", src, "output", filepath.Join(ctx.String(outFlag.Name), compiler.OutputFile))
		}
	} else {
		artifact, err = env.Deployer.Artifacts.Artifact(simplestorage.ContractName)
	}
	if err != nil {
		return err
	}

	from, err := env.Account(ctx.Context, ctx.Int(fromFlag.Name))
	if err != nil {
		return err
	}

	report, err := simplestorage.Run(logging.WithLogger(ctx.Context, logger), env.Client, artifact, from, value)
	if err != nil {
		return err
	}

	w := ctx.App.Writer
	fmt.Fprintf(w, "Deployed %s at %s (tx %s)\n", simplestorage.ContractName, report.Address.Hex(), report.DeployTx.Hex())
	fmt.Fprintf(w, "Initial value: %s\n", report.Initial)
	fmt.Fprintf(w, "After simulated store(%s): %s\n", report.Expected, report.Simulated)
	fmt.Fprintf(w, "Before receipt: %s\n", report.Unmined)
	fmt.Fprintf(w, "store(%s) mined in block %s (tx %s)\n", report.Expected, report.Block, report.StoreTx.Hex())
	fmt.Fprintf(w, "Final value: %s\n", report.Final)
	return nil
}
