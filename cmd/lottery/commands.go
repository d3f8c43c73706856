package main

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/deploy"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/pricefeed"
	"github.com/mbd888/lottery/internal/rounds"
)

var commandDeploy = &cli.Command{
	Name:  "deploy",
	Usage: "deploy a lottery and its collaborators",
	Description: `
Deploys the lottery wired to the network's price feed, LINK token and VRF
coordinator. On local networks the collaborators are mocks deployed first.
With --fund the lottery is topped up with LINK afterwards.`,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "fund", Usage: "fund the lottery with LINK after deploying"},
	},
	Action: withSession(func(ctx *cli.Context, s *session) error {
		if ctx.Bool("fund") {
			res, err := s.env.Deployer.Fund(ctx.Context, s.stack, s.owner)
			if err != nil {
				return err
			}
			s.env.Logger.Info("funded", "link", chain.FromWei(res.After))
		}
		return printJSON(ctx, s.stack)
	}),
}

var commandStatus = &cli.Command{
	Name:  "status",
	Usage: "print the lottery's observable state",
	Action: withSession(func(ctx *cli.Context, s *session) error {
		snap, err := s.orch.Snapshot(ctx.Context)
		if err != nil {
			return err
		}
		return printJSON(ctx, snap)
	}),
}

var commandStart = &cli.Command{
	Name:  "start",
	Usage: "open a new round",
	Action: withSession(func(ctx *cli.Context, s *session) error {
		if err := s.orch.StartLottery(ctx.Context, s.owner); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "lottery %s is open\n", s.stack.Lottery.Hex())
		return nil
	}),
}

var commandEnter = &cli.Command{
	Name:  "enter",
	Usage: "enter the open round",
	Flags: []cli.Flag{accountFlag, valueFlag},
	Action: withSession(func(ctx *cli.Context, s *session) error {
		player, err := s.env.Account(ctx.Context, ctx.Int(accountFlag.Name))
		if err != nil {
			return err
		}
		value, err := entryValue(ctx, s)
		if err != nil {
			return err
		}
		if err := s.orch.Enter(ctx.Context, player, value); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "%s entered with %s ETH\n", player.Hex(), chain.FromWei(value))
		return nil
	}),
}

func entryValue(ctx *cli.Context, s *session) (*big.Int, error) {
	if v := ctx.String(valueFlag.Name); v != "" {
		wei, err := chain.ToWei(v)
		if err != nil {
			return nil, fmt.Errorf("--value: %w", err)
		}
		return wei, nil
	}
	return s.orch.EntranceFee(ctx.Context)
}

var commandFund = &cli.Command{
	Name:  "fund",
	Usage: "top the lottery up with LINK",
	Action: withSession(func(ctx *cli.Context, s *session) error {
		res, err := s.env.Deployer.Fund(ctx.Context, s.stack, s.owner)
		if err != nil {
			return err
		}
		if res.Skipped() {
			fmt.Fprintf(ctx.App.Writer, "already funded: %s LINK\n", chain.FromWei(res.Before))
			return nil
		}
		fmt.Fprintf(ctx.App.Writer, "funded %s LINK (tx %s)\n", chain.FromWei(res.Transferred), res.TxHash.Hex())
		return nil
	}),
}

var commandEnd = &cli.Command{
	Name:  "end",
	Usage: "close entries and request randomness",
	Action: withSession(func(ctx *cli.Context, s *session) error {
		req, err := s.orch.EndLottery(ctx.Context, s.owner)
		if err != nil {
			return err
		}
		return printJSON(ctx, map[string]any{
			"requestId": req.IDHex(),
			"roundId":   req.RoundID,
			"tx":        req.TxHash.Hex(),
			"players":   len(req.Players),
			"pot":       req.Pot.String(),
		})
	}),
}

var commandDraw = &cli.Command{
	Name:  "draw",
	Usage: "close entries and pick the winner",
	Action: withSession(func(ctx *cli.Context, s *session) error {
		out, err := s.orch.Draw(ctx.Context, s.owner, s.fulfiller())
		if err != nil {
			return err
		}
		return printJSON(ctx, outcomeView(out))
	}),
}

var commandResolve = &cli.Command{
	Name:  "resolve",
	Usage: "finish the draw the contract is waiting on",
	Description: `
Recovers the outstanding randomness request from the contract and the round
journal, then delivers the randomness (local networks) or waits for the
oracle's callback (live networks).`,
	Action: withSession(func(ctx *cli.Context, s *session) error {
		req, err := s.orch.Recover(ctx.Context)
		if errors.Is(err, lottery.ErrNothingOutstanding) {
			fmt.Fprintln(ctx.App.Writer, "nothing outstanding")
			return nil
		}
		if err != nil {
			return err
		}
		out, err := s.settle(ctx.Context, req)
		if err != nil {
			return err
		}
		return printJSON(ctx, outcomeView(out))
	}),
}

var commandPrice = &cli.Command{
	Name:  "price",
	Usage: "show the ETH/USD feed and the entrance fee it yields",
	Description: `
Reads the lottery's price feed. On local networks --set pushes a new answer to
the mock feed first, which moves the entrance fee.`,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "set", Usage: "new USD price for the mock feed"},
	},
	Action: withSession(func(ctx *cli.Context, s *session) error {
		if s.stack.PriceFeed == (common.Address{}) {
			return fmt.Errorf("%w: PRICE_FEED_ADDRESS", deploy.ErrMissingAddress)
		}
		if usd := ctx.String("set"); usd != "" {
			if !s.env.Config.IsLocal() {
				return fmt.Errorf("--set needs the mock feed of a local network")
			}
			answer, err := pricefeed.ToAnswer(usd, config.FeedDecimals)
			if err != nil {
				return fmt.Errorf("--set: %w", err)
			}
			if err := pricefeed.UpdateAnswer(ctx.Context, s.env.Client, s.owner, s.stack.PriceFeed, answer); err != nil {
				return err
			}
		}
		price, err := pricefeed.Latest(ctx.Context, s.env.Client, s.stack.PriceFeed)
		if err != nil {
			return err
		}
		fee, err := s.orch.EntranceFee(ctx.Context)
		if err != nil {
			return err
		}
		return printJSON(ctx, map[string]string{
			"ethUsd":         price.String(),
			"round":          price.RoundID.String(),
			"entranceFee":    fee.String(),
			"entranceFeeEth": chain.FromWei(fee),
		})
	}),
}

var commandRounds = &cli.Command{
	Name:  "rounds",
	Usage: "list journaled rounds of the lottery",
	Flags: []cli.Flag{limitFlag},
	Action: withSession(func(ctx *cli.Context, s *session) error {
		list, err := s.env.Journal.List(ctx.Context, s.stack.Lottery.Hex(), ctx.Int(limitFlag.Name))
		if err != nil {
			return err
		}
		if list == nil {
			list = []*rounds.Round{}
		}
		return printJSON(ctx, list)
	}),
}

type outcome struct {
	RequestID   string   `json:"requestId"`
	RoundID     string   `json:"roundId,omitempty"`
	Winner      string   `json:"winner"`
	WinnerIndex int      `json:"winnerIndex"`
	Randomness  string   `json:"randomness"`
	Pot         string   `json:"pot"`
	Players     []string `json:"players"`
	Payout      string   `json:"payout,omitempty"`
}

func outcomeView(out *lottery.Outcome) outcome {
	v := outcome{
		RequestID:   hexutil.Encode(out.RequestID[:]),
		RoundID:     out.RoundID,
		Winner:      out.Winner.Hex(),
		WinnerIndex: out.WinnerIndex,
		Players:     make([]string, len(out.Players)),
	}
	if out.Randomness != nil {
		v.Randomness = out.Randomness.String()
	}
	if out.Pot != nil {
		v.Pot = out.Pot.String()
	}
	for i, p := range out.Players {
		v.Players[i] = p.Hex()
	}
	if out.WinnerBalanceBefore != nil && out.WinnerBalanceAfter != nil {
		v.Payout = new(big.Int).Sub(out.WinnerBalanceAfter, out.WinnerBalanceBefore).String()
	}
	return v
}
