package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/lottery/internal/lottery"
)

var playersFlag = &cli.IntFlag{
	Name:  "players",
	Usage: "number of entering accounts",
	Value: 3,
}

var commandScenario = &cli.Command{
	Name:  "scenario",
	Usage: "run a full round and check its outcome",
	Description: `
Starts a round, enters --players accounts at the entrance fee, funds the
lottery with LINK, draws, and checks that the winner was paid the whole pot
and the contract is empty.

Runs only on networks whose oracle can be simulated; elsewhere it is skipped.`,
	Flags: []cli.Flag{playersFlag},
	Action: withSession(func(ctx *cli.Context, s *session) error {
		if !s.env.Config.SupportsOracleSimulation() {
			fmt.Fprintf(ctx.App.Writer, "skipped: network %s has no oracle simulation\n", s.env.Config.Network)
			return nil
		}
		out, err := runScenario(ctx, s, ctx.Int(playersFlag.Name))
		if err != nil {
			return err
		}
		return printJSON(ctx, outcomeView(out))
	}),
}

func runScenario(ctx *cli.Context, s *session, n int) (*lottery.Outcome, error) {
	c := ctx.Context
	if n < 1 {
		return nil, fmt.Errorf("--players must be at least 1")
	}
	if err := s.orch.StartLottery(c, s.owner); err != nil {
		return nil, err
	}
	fee, err := s.orch.EntranceFee(c)
	if err != nil {
		return nil, err
	}
	players := make([]common.Address, n)
	for i := range players {
		if players[i], err = s.env.Account(c, i+1); err != nil {
			return nil, err
		}
		if err := s.orch.Enter(c, players[i], fee); err != nil {
			return nil, err
		}
	}
	if _, err := s.env.Deployer.Fund(c, s.stack, s.owner); err != nil {
		return nil, err
	}

	out, err := s.orch.Draw(c, s.owner, s.fulfiller())
	if err != nil {
		return nil, err
	}

	pot := new(big.Int).Mul(fee, big.NewInt(int64(n)))
	if out.Pot.Cmp(pot) != 0 {
		return nil, fmt.Errorf("%w: pot %s, want %s", lottery.ErrEffectMismatch, out.Pot, pot)
	}
	want := players[new(big.Int).Mod(out.Randomness, big.NewInt(int64(n))).Int64()]
	if out.Winner != want {
		return nil, fmt.Errorf("%w: winner %s, want %s", lottery.ErrEffectMismatch, out.Winner.Hex(), want.Hex())
	}
	if out.WinnerBalanceBefore != nil && out.WinnerBalanceAfter != nil {
		if gained := new(big.Int).Sub(out.WinnerBalanceAfter, out.WinnerBalanceBefore); gained.Cmp(pot) != 0 {
			return nil, fmt.Errorf("%w: winner received %s wei, want %s", lottery.ErrEffectMismatch, gained, pot)
		}
	}
	balance, err := s.orch.Balance(c)
	if err != nil {
		return nil, err
	}
	if balance.Sign() != 0 {
		return nil, fmt.Errorf("%w: lottery still holds %s wei", lottery.ErrEffectMismatch, balance)
	}
	return out, nil
}
