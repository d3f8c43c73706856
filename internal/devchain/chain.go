// Package devchain is an in-process EVM-style ledger for local runs and tests.
//
// The chain is the single authority over world state. Contracts are native Go
// implementations registered by artifact name and reached only through their
// ABI, so callers use exactly the same chain.Client calls they would issue
// against a JSON-RPC node:
//
//   - Call executes against a throwaway copy of the latest mined state.
//   - SendTransaction executes against a copy of the pending state; a revert is
//     returned immediately and nothing is queued (all-or-nothing).
//   - Mining promotes the pending state. When that happens depends on the
//     MiningMode: instantly, on WaitForReceipt, on Commit, or every block time.
//
// Gas is free, so ether balances move only by transferred value.
package devchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/lottery/internal/chain"
)

// MiningMode selects when submitted transactions are mined.
type MiningMode int

const (
	// Automine mines every transaction as soon as it is submitted.
	Automine MiningMode = iota
	// MineOnWait leaves transactions pending until someone waits for their receipt.
	MineOnWait
	// Manual mines only on Commit (or on the block timer, if set).
	Manual
)

// DefaultAccounts is the number of pre-funded accounts.
const DefaultAccounts = 10

// DefaultAccountBalance is the genesis balance of each account (100 ether).
var DefaultAccountBalance = chain.Ether(100)

// Option configures the chain
type Option func(*Chain)

// WithAccounts sets the number and genesis balance of pre-funded accounts.
func WithAccounts(n int, balance *big.Int) Option {
	return func(c *Chain) {
		c.numAccounts = n
		c.genesisBalance = balance
	}
}

// WithMiningMode sets when transactions are mined.
func WithMiningMode(mode MiningMode) Option {
	return func(c *Chain) {
		c.mode = mode
	}
}

// WithBlockTime mines pending transactions every d (implies Manual).
func WithBlockTime(d time.Duration) Option {
	return func(c *Chain) {
		c.mode = Manual
		c.blockTime = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

type pendingTx struct {
	receipt *types.Receipt
	mined   chan struct{}
}

// Chain is the in-process ledger. It implements chain.Client.
type Chain struct {
	mu        sync.Mutex
	committed *worldState
	pending   *worldState
	queue     []*pendingTx
	txs       map[common.Hash]*pendingTx
	block     uint64
	factories map[string]Factory

	accounts       []common.Address
	numAccounts    int
	genesisBalance *big.Int
	mode           MiningMode
	blockTime      time.Duration
	logger         *slog.Logger

	stop chan struct{}
	done chan struct{}
}

var _ chain.Client = (*Chain)(nil)

// New creates a chain with pre-funded accounts.
func New(opts ...Option) *Chain {
	c := &Chain{
		committed:      newWorldState(),
		txs:            make(map[common.Hash]*pendingTx),
		factories:      make(map[string]Factory),
		numAccounts:    DefaultAccounts,
		genesisBalance: DefaultAccountBalance,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	genesis, err := toU256(c.genesisBalance)
	if err != nil {
		panic(err)
	}
	for i := 0; i < c.numAccounts; i++ {
		addr := common.BytesToAddress(crypto.Keccak256([]byte(fmt.Sprintf("devchain account %d", i))))
		c.accounts = append(c.accounts, addr)
		c.committed.balances[addr] = genesis.Clone()
	}
	c.pending = c.committed.clone()

	if c.blockTime > 0 {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.mineLoop()
	}
	return c
}

// Install registers a native contract implementation under an artifact name.
func (c *Chain) Install(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
}

// unlocked rejects senders the chain holds no account for. The account list
// is fixed at construction.
func (c *Chain) unlocked(from common.Address) error {
	if slices.Contains(c.accounts, from) {
		return nil
	}
	return fmt.Errorf("%w: %s", chain.ErrUnknownAccount, from.Hex())
}

// Accounts returns the pre-funded accounts.
func (c *Chain) Accounts(ctx context.Context) ([]common.Address, error) {
	out := make([]common.Address, len(c.accounts))
	copy(out, c.accounts)
	return out, nil
}

// BalanceAt returns the balance at the latest mined block.
func (c *Chain) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed.balance(account).ToBig(), nil
}

// BlockNumber returns the number of the latest mined block.
func (c *Chain) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

// Call executes msg against a copy of the latest mined state and discards
// every effect, including value transfers and logs.
func (c *Chain) Call(ctx context.Context, msg chain.CallRequest) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := msg.Pack(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	scratch := c.committed.clone()
	block := c.block
	c.mu.Unlock()

	var logs []*types.Log
	return invoke(scratch, &logs, frame{
		from:   msg.From,
		origin: msg.From,
		to:     msg.To,
		value:  msg.Value,
		block:  block + 1,
	}, msg.Method, msg.Args)
}

// SendTransaction executes tx on the pending state and queues it for mining.
func (c *Chain) SendTransaction(ctx context.Context, tx chain.TxRequest) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if err := c.unlocked(tx.From); err != nil {
		return common.Hash{}, err
	}
	data, err := tx.Pack()
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	work := c.pending.clone()
	nonce := work.nonces[tx.From]
	work.nonces[tx.From] = nonce + 1
	hash := txHash(tx.From, nonce, &tx.To, data, tx.Value)

	var logs []*types.Log
	_, err = invoke(work, &logs, frame{
		from:   tx.From,
		origin: tx.From,
		to:     tx.To,
		value:  tx.Value,
		block:  c.block + 1,
	}, tx.Method, tx.Args)
	if err != nil {
		return common.Hash{}, err
	}

	c.enqueue(work, hash, common.Address{}, logs)
	c.logger.Debug("devchain: transaction accepted", "tx", hash.Hex(), "method", tx.Method, "to", tx.To.Hex())
	return hash, nil
}

// Deploy creates a contract from a registered artifact and waits for it to be mined.
func (c *Chain) Deploy(ctx context.Context, from common.Address, artifact *chain.Artifact, args ...any) (common.Address, *types.Receipt, error) {
	hash, addr, err := c.create(ctx, from, artifact, args)
	if err != nil {
		return common.Address{}, nil, err
	}
	receipt, err := c.WaitForReceipt(ctx, hash)
	if err != nil {
		return common.Address{}, receipt, err
	}
	return addr, receipt, nil
}

func (c *Chain) create(ctx context.Context, from common.Address, artifact *chain.Artifact, args []any) (common.Hash, common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, common.Address{}, err
	}
	if err := c.unlocked(from); err != nil {
		return common.Hash{}, common.Address{}, err
	}
	ctorArgs, err := artifact.ABI.Pack("", args...)
	if err != nil {
		return common.Hash{}, common.Address{}, fmt.Errorf("pack %s constructor: %w", artifact.Name, err)
	}
	decoded, err := artifact.ABI.Constructor.Inputs.Unpack(ctorArgs)
	if err != nil {
		return common.Hash{}, common.Address{}, fmt.Errorf("decode %s constructor: %w", artifact.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	factory, ok := c.factories[artifact.Name]
	if !ok {
		return common.Hash{}, common.Address{}, fmt.Errorf("%w: no native implementation for %s", chain.ErrInvalidArtifact, artifact.Name)
	}

	work := c.pending.clone()
	nonce := work.nonces[from]
	work.nonces[from] = nonce + 1
	addr := crypto.CreateAddress(from, nonce)
	hash := txHash(from, nonce, nil, append(append([]byte{}, artifact.Bytecode...), ctorArgs...), nil)

	abiCopy := artifact.ABI
	var logs []*types.Log
	env := &Env{
		Self:   addr,
		Sender: from,
		Origin: from,
		Value:  new(big.Int),
		Block:  c.block + 1,
		state:  work,
		logs:   &logs,
	}
	// Register first so the constructor may emit events.
	work.contracts[addr] = &account{name: artifact.Name, abi: &abiCopy}
	code, err := factory(env, decoded)
	if err != nil {
		return common.Hash{}, common.Address{}, err
	}
	work.contracts[addr].code = code

	c.enqueue(work, hash, addr, logs)
	c.logger.Debug("devchain: contract created", "contract", artifact.Name, "address", addr.Hex(), "tx", hash.Hex())
	return hash, addr, nil
}

// enqueue adopts work as the pending state. Caller holds c.mu.
func (c *Chain) enqueue(work *worldState, hash common.Hash, created common.Address, logs []*types.Log) {
	c.pending = work
	ptx := &pendingTx{
		receipt: &types.Receipt{
			Type:            types.LegacyTxType,
			Status:          types.ReceiptStatusSuccessful,
			TxHash:          hash,
			ContractAddress: created,
			Logs:            logs,
		},
		mined: make(chan struct{}),
	}
	c.queue = append(c.queue, ptx)
	c.txs[hash] = ptx

	if c.mode == Automine {
		c.commitLocked()
	}
}

// WaitForReceipt blocks until hash is mined or ctx is done.
func (c *Chain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	ptx, ok := c.txs[hash]
	if ok && c.mode == MineOnWait {
		select {
		case <-ptx.mined:
		default:
			c.commitLocked()
		}
	}
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownTransaction, hash.Hex())
	}

	select {
	case <-ptx.mined:
		return ptx.receipt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Commit mines every pending transaction into one block. It is a no-op when
// nothing is pending.
func (c *Chain) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitLocked()
}

func (c *Chain) commitLocked() {
	if len(c.queue) == 0 {
		return
	}
	c.block++
	blockNumber := new(big.Int).SetUint64(c.block)

	var logIndex uint
	for i, ptx := range c.queue {
		r := ptx.receipt
		r.BlockNumber = blockNumber
		r.TransactionIndex = uint(i)
		for _, l := range r.Logs {
			l.BlockNumber = c.block
			l.TxHash = r.TxHash
			l.TxIndex = uint(i)
			l.Index = logIndex
			logIndex++
		}
		close(ptx.mined)
	}
	c.queue = nil
	c.committed = c.pending
	c.pending = c.committed.clone()
}

func (c *Chain) mineLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Commit()
		}
	}
}

// Close stops the block timer, if any.
func (c *Chain) Close() error {
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
	}
	return nil
}

func txHash(from common.Address, nonce uint64, to *common.Address, data []byte, value *big.Int) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	var toBytes []byte
	if to != nil {
		toBytes = to.Bytes()
	}
	var v []byte
	if value != nil {
		v = value.Bytes()
	}
	return crypto.Keccak256Hash(from.Bytes(), n[:], toBytes, data, v)
}
