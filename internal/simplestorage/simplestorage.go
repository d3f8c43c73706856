// Package simplestorage deploys a SimpleStorage contract and walks it through
// a read, a simulated write, a mined write and a final read.
//
// A simulated call executes the method against a copy of the latest mined
// state and throws the result away, so store(15) through Call never changes
// what retrieve returns. Likewise a retrieve issued after the store
// transaction was submitted but before it is mined still sees the old value;
// only the read after WaitForReceipt is guaranteed to see the write.
package simplestorage

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/logging"
)

// ContractName is the artifact (and solc) contract name.
const ContractName = "SimpleStorage"

// SourceFile is the file name the contract is compiled from.
const SourceFile = "SimpleStorage.sol"

// ABIJSON is the contract interface, as solc 0.6 emits it.
const ABIJSON = `[
	{"type":"function","name":"store","stateMutability":"nonpayable","inputs":[{"name":"_favoriteNumber","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"retrieve","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"addPerson","stateMutability":"nonpayable","inputs":[
		{"name":"_name","type":"string"},
		{"name":"_favoriteNumber","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"nameToFavoriteNumber","stateMutability":"view","inputs":[{"name":"","type":"string"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"people","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
		{"name":"favoriteNumber","type":"uint256"},
		{"name":"name","type":"string"}]}
]`

// ABI is the parsed contract interface.
var ABI = chain.MustParseABI(ABIJSON)

// DefaultValue is the number stored by Run when none is given.
var DefaultValue = big.NewInt(15)

// Report holds the output of every step of Run.
type Report struct {
	Address  common.Address
	DeployTx common.Hash
	// Initial is retrieve right after deployment.
	Initial *big.Int
	// Simulated is retrieve after store went through Call only.
	Simulated *big.Int
	// Unmined is retrieve after the store transaction was sent but before
	// its receipt was awaited. It shows the old value unless the node mined
	// the transaction on submission.
	Unmined  *big.Int
	StoreTx  common.Hash
	Block    *big.Int
	Final    *big.Int
	Expected *big.Int
}

// Run deploys artifact from from and performs deploy, read, simulated store,
// read, store transaction, read, wait for receipt, read. The first failing
// step aborts the rest.
func Run(ctx context.Context, c chain.Client, artifact *chain.Artifact, from common.Address, value *big.Int) (*Report, error) {
	if value == nil {
		value = DefaultValue
	}
	a := &artifact.ABI
	report := &Report{Expected: value}

	logging.L(ctx).Info("deploying contract", "contract", artifact.Name, "from", from.Hex())
	addr, receipt, err := c.Deploy(ctx, from, artifact)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", artifact.Name, err)
	}
	report.Address = addr
	report.DeployTx = receipt.TxHash
	logging.L(ctx).Info("deployed", "address", addr.Hex(), "tx", receipt.TxHash.Hex())

	retrieve := chain.CallRequest{From: from, To: addr, ABI: a, Method: "retrieve"}
	if report.Initial, err = chain.CallBig(ctx, c, retrieve); err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	// Simulated only: nothing is persisted.
	if _, err := c.Call(ctx, chain.CallRequest{From: from, To: addr, ABI: a, Method: "store", Args: []any{value}}); err != nil {
		return nil, fmt.Errorf("simulate store: %w", err)
	}
	if report.Simulated, err = chain.CallBig(ctx, c, retrieve); err != nil {
		return nil, fmt.Errorf("retrieve after simulated store: %w", err)
	}

	logging.L(ctx).Info("updating contract", "address", addr.Hex(), "value", value.String())
	hash, err := c.SendTransaction(ctx, chain.TxRequest{From: from, To: addr, ABI: a, Method: "store", Args: []any{value}})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	report.StoreTx = hash
	if report.Unmined, err = chain.CallBig(ctx, c, retrieve); err != nil {
		return nil, fmt.Errorf("retrieve before receipt: %w", err)
	}

	storeReceipt, err := c.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("wait for store: %w", err)
	}
	report.Block = storeReceipt.BlockNumber
	logging.L(ctx).Info("updated", "tx", hash.Hex(), "block", storeReceipt.BlockNumber)

	if report.Final, err = chain.CallBig(ctx, c, retrieve); err != nil {
		return nil, fmt.Errorf("retrieve after store: %w", err)
	}
	if report.Final.Cmp(value) != 0 {
		return report, fmt.Errorf("simplestorage: retrieve returned %s after storing %s", report.Final, value)
	}
	return report, nil
}
