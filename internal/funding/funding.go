// Package funding tops up a contract's ERC20 credit, such as the LINK a
// lottery spends on each randomness request.
package funding

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/logging"
)

// TokenName is the artifact name of the local LINK token.
const TokenName = "LinkToken"

// ERC20ABI is the token interface used for funding.
const ERC20ABI = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"spender","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

// ABI is the parsed token interface.
var ABI = chain.MustParseABI(ERC20ABI)

var (
	ErrInvalidAmount     = errors.New("funding: amount must be positive")
	ErrInsufficientAsset = errors.New("funding: funder balance too low")
	ErrNotCredited       = errors.New("funding: contract balance below target after transfer")
)

// Result describes one funding attempt.
type Result struct {
	Token       common.Address
	Contract    common.Address
	Before      *big.Int
	After       *big.Int
	Transferred *big.Int
	TxHash      common.Hash // zero when no transfer was needed
}

// Skipped reports whether the contract was already funded.
func (r *Result) Skipped() bool { return r.Transferred.Sign() == 0 }

// BalanceOf returns holder's balance of token.
func BalanceOf(ctx context.Context, c chain.Client, token, holder common.Address) (*big.Int, error) {
	return chain.CallBig(ctx, c, chain.CallRequest{To: token, ABI: &ABI, Method: "balanceOf", Args: []any{holder}})
}

// Transfer sends amount of token from one account to another and waits for it
// to be mined.
func Transfer(ctx context.Context, c chain.Client, token, from, to common.Address, amount *big.Int) (common.Hash, error) {
	tx := chain.TxRequest{
		From:   from,
		To:     token,
		ABI:    &ABI,
		Method: "transfer",
		Args:   []any{to, amount},
	}
	receipt, err := chain.SendAndWait(ctx, c, tx)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := chain.FindEvent(&ABI, token, receipt, "Transfer"); err != nil {
		return receipt.TxHash, fmt.Errorf("funding: transfer mined without Transfer event: %w", err)
	}
	return receipt.TxHash, nil
}

// FundWithAsset makes sure contract holds at least amount of token, sending
// only the shortfall from from. A contract that already holds enough is left
// untouched and no transaction is sent.
func FundWithAsset(ctx context.Context, c chain.Client, token, from, contract common.Address, amount *big.Int) (*Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	before, err := BalanceOf(ctx, c, token, contract)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Token:       token,
		Contract:    contract,
		Before:      before,
		After:       before,
		Transferred: new(big.Int),
	}
	if before.Cmp(amount) >= 0 {
		logging.L(ctx).Debug("contract already funded", "contract", contract.Hex(), "balance", chain.FromWei(before))
		return res, nil
	}

	shortfall := new(big.Int).Sub(amount, before)
	available, err := BalanceOf(ctx, c, token, from)
	if err != nil {
		return nil, err
	}
	if available.Cmp(shortfall) < 0 {
		return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientAsset,
			from.Hex(), chain.FromWei(available), chain.FromWei(shortfall))
	}

	hash, err := Transfer(ctx, c, token, from, contract, shortfall)
	if err != nil {
		return nil, err
	}
	after, err := BalanceOf(ctx, c, token, contract)
	if err != nil {
		return nil, err
	}
	if after.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrNotCredited, chain.FromWei(after), chain.FromWei(amount))
	}

	res.After = after
	res.Transferred = shortfall
	res.TxHash = hash
	logging.L(ctx).Info("funded contract",
		"contract", contract.Hex(),
		"token", token.Hex(),
		"amount", chain.FromWei(shortfall),
		"tx", hash.Hex(),
	)
	return res, nil
}
