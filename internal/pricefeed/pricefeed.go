// Package pricefeed reads Chainlink-style AggregatorV3 price feeds.
package pricefeed

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mbd888/lottery/internal/chain"
)

// MockName is the artifact name of the local price feed mock.
const MockName = "MockV3Aggregator"

// ABIJSON covers AggregatorV3Interface plus the mock's updateAnswer.
const ABIJSON = `[
	{"type":"constructor","stateMutability":"nonpayable","inputs":[
		{"name":"_decimals","type":"uint8"},
		{"name":"_initialAnswer","type":"int256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"description","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"version","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"latestAnswer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int256"}]},
	{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}]},
	{"type":"function","name":"updateAnswer","stateMutability":"nonpayable","inputs":[{"name":"_answer","type":"int256"}],"outputs":[]},
	{"type":"event","name":"AnswerUpdated","anonymous":false,"inputs":[
		{"name":"current","type":"int256","indexed":true},
		{"name":"roundId","type":"uint256","indexed":true},
		{"name":"updatedAt","type":"uint256","indexed":false}]}
]`

// ABI is the parsed feed interface.
var ABI = chain.MustParseABI(ABIJSON)

// Price is one feed reading.
type Price struct {
	RoundID  *big.Int
	Answer   *big.Int
	Decimals uint8
}

// Decimal returns the answer scaled by the feed's decimals.
func (p Price) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(p.Answer, -int32(p.Decimals))
}

func (p Price) String() string {
	return p.Decimal().String()
}

// Latest reads the newest round of the feed at addr.
func Latest(ctx context.Context, c chain.Client, addr common.Address) (*Price, error) {
	out, err := c.Call(ctx, chain.CallRequest{To: addr, ABI: &ABI, Method: "latestRoundData"})
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("pricefeed: latestRoundData returned %d values", len(out))
	}
	round, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("pricefeed: unexpected latestRoundData types %T, %T", out[0], out[1])
	}

	dec, err := chain.CallOne(ctx, c, chain.CallRequest{To: addr, ABI: &ABI, Method: "decimals"})
	if err != nil {
		return nil, err
	}
	decimals, ok := dec.(uint8)
	if !ok {
		return nil, fmt.Errorf("pricefeed: decimals returned %T", dec)
	}
	return &Price{RoundID: round, Answer: answer, Decimals: decimals}, nil
}

// ToAnswer converts a human price ("2000") to the feed's integer answer.
func ToAnswer(price string, decimals uint8) (*big.Int, error) {
	return chain.ParseUnits(price, int32(decimals))
}

// UpdateAnswer pushes a new answer to a mock feed and waits for it to be mined.
func UpdateAnswer(ctx context.Context, c chain.Client, from, addr common.Address, answer *big.Int) error {
	_, err := chain.SendAndWait(ctx, c, chain.TxRequest{
		From:   from,
		To:     addr,
		ABI:    &ABI,
		Method: "updateAnswer",
		Args:   []any{answer},
	})
	return err
}
