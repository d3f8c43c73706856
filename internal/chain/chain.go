// Package chain defines the client used to talk to an EVM ledger: deploy
// contracts, simulate calls, submit transactions and wait for them to be mined.
//
// Two implementations exist: RPCClient (JSON-RPC via go-ethereum's ethclient)
// and devchain.Chain (an in-process ledger used for local runs and tests).
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrTransport          = errors.New("chain: transport failure")
	ErrUnknownAccount     = errors.New("chain: no key for account")
	ErrUnknownMethod      = errors.New("chain: method not in ABI")
	ErrUnknownTransaction = errors.New("chain: unknown transaction")
	ErrNoContract         = errors.New("chain: no contract at address")
	ErrInvalidArtifact    = errors.New("chain: invalid artifact")
)

// RevertError is returned when the contract rejected a call or transaction.
// Nothing it would have changed is persisted.
type RevertError struct {
	Reason string
	TxHash string // set when a mined transaction reverted
}

func (e *RevertError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: execution reverted (tx: %s): %s", e.TxHash, e.Reason)
	}
	if e.Reason == "" {
		return "chain: execution reverted"
	}
	return "chain: execution reverted: " + e.Reason
}

// IsRevert reports whether err carries a contract rejection.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// RevertReason returns the reason string of a revert, or "" if err is not one.
func RevertReason(err error) string {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// TxError wraps RPC failures with the operation that was in flight.
// errors.Is(err, ErrTransport) holds; Unwrap yields the original error.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func (e *TxError) Is(target error) bool { return target == ErrTransport }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Client is the ledger collaborator used by every script in this module.
//
//go:generate mockgen -source=chain.go -destination=client_mock.go -package=chain
type Client interface {
	// Deploy creates a contract and blocks until the creation is mined.
	Deploy(ctx context.Context, from common.Address, artifact *Artifact, args ...any) (common.Address, *types.Receipt, error)
	// Call runs a method without creating a transaction. Effects are discarded.
	Call(ctx context.Context, msg CallRequest) ([]any, error)
	// SendTransaction submits a state-changing call and returns its hash.
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)
	// WaitForReceipt blocks until the transaction is mined or ctx is done.
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	Accounts(ctx context.Context) ([]common.Address, error)
	Close() error
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Artifact is a compiled contract: its interface and creation code.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// CallRequest describes a read-only call.
type CallRequest struct {
	From   common.Address
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
	Value  *big.Int
}

// TxRequest describes a state-changing call.
type TxRequest struct {
	From   common.Address
	To     common.Address
	ABI    *abi.ABI
	Method string
	Args   []any
	Value  *big.Int
}

// Pack encodes the method selector and arguments.
func (r TxRequest) Pack() ([]byte, error) {
	return pack(r.ABI, r.Method, r.Args)
}

// Pack encodes the method selector and arguments.
func (r CallRequest) Pack() ([]byte, error) {
	return pack(r.ABI, r.Method, r.Args)
}

func pack(a *abi.ABI, method string, args []any) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil ABI for %s", ErrUnknownMethod, method)
	}
	if _, ok := a.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return a.Pack(method, args...)
}

// SendAndWait submits tx and waits for it to be mined.
func SendAndWait(ctx context.Context, c Client, tx TxRequest) (*types.Receipt, error) {
	hash, err := c.SendTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	return c.WaitForReceipt(ctx, hash)
}

// CallOne is Call for methods with a single return value.
func CallOne(ctx context.Context, c Client, msg CallRequest) (any, error) {
	out, err := c.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("chain: %s returned %d values, want 1", msg.Method, len(out))
	}
	return out[0], nil
}

// CallBig is Call for methods returning a single uint256.
func CallBig(ctx context.Context, c Client, msg CallRequest) (*big.Int, error) {
	v, err := CallOne(ctx, c, msg)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned %T, want *big.Int", msg.Method, v)
	}
	return n, nil
}

// CallAddress is Call for methods returning a single address.
func CallAddress(ctx context.Context, c Client, msg CallRequest) (common.Address, error) {
	v, err := CallOne(ctx, c, msg)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: %s returned %T, want address", msg.Method, v)
	}
	return addr, nil
}

// Account returns the index-th account known to the client.
func Account(ctx context.Context, c Client, index int) (common.Address, error) {
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if index < 0 || index >= len(accounts) {
		return common.Address{}, fmt.Errorf("%w: index %d of %d", ErrUnknownAccount, index, len(accounts))
	}
	return accounts[index], nil
}
