package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/lottery/internal/retry"
)

const (
	// DefaultGasLimit is used when gas estimation is unavailable
	DefaultGasLimit = uint64(3_000_000)

	// DefaultPollInterval between receipt checks
	DefaultPollInterval = 2 * time.Second

	dialAttempts  = 4
	dialBaseDelay = 500 * time.Millisecond
)

// EthClient abstracts go-ethereum's ethclient for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// RPCConfig configures an RPCClient
type RPCConfig struct {
	RPCURL       string
	ChainID      int64 // 0 = ask the node
	PrivateKeys  []string
	PollInterval time.Duration
}

// RPCOption configures the client
type RPCOption func(*RPCClient)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(client EthClient) RPCOption {
	return func(c *RPCClient) {
		c.client = client
	}
}

// RPCClient implements Client over JSON-RPC, signing locally with the configured keys.
type RPCClient struct {
	client       EthClient
	keys         map[common.Address]*ecdsa.PrivateKey
	accounts     []common.Address
	chainID      *big.Int
	pollInterval time.Duration

	sendMu sync.Mutex // serializes nonce assignment
}

var _ Client = (*RPCClient)(nil)

// Dial connects to cfg.RPCURL and loads the signing keys.
func Dial(ctx context.Context, cfg RPCConfig, opts ...RPCOption) (*RPCClient, error) {
	c := &RPCClient{
		keys:         make(map[common.Address]*ecdsa.PrivateKey),
		pollInterval: cfg.PollInterval,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}

	for _, hexKey := range cfg.PrivateKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: invalid private key: %w", err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := c.keys[addr]; dup {
			continue
		}
		c.keys[addr] = key
		c.accounts = append(c.accounts, addr)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, &TxError{Op: "dial", Err: errors.New("RPC URL required")}
		}
		err := retry.Do(ctx, dialAttempts, dialBaseDelay, func() error {
			client, err := ethclient.DialContext(ctx, cfg.RPCURL)
			if err != nil {
				return err
			}
			c.client = client
			return nil
		})
		if err != nil {
			return nil, &TxError{Op: "dial", Err: err}
		}
	}

	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := c.client.ChainID(ctx)
		if err != nil {
			c.client.Close()
			return nil, &TxError{Op: "chain_id", Err: err}
		}
		c.chainID = id
	}

	return c, nil
}

// Accounts returns the addresses this client can sign for, in configuration order.
func (c *RPCClient) Accounts(ctx context.Context) ([]common.Address, error) {
	out := make([]common.Address, len(c.accounts))
	copy(out, c.accounts)
	return out, nil
}

// BalanceAt returns the latest ether balance of account.
func (c *RPCClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, &TxError{Op: "balance", Err: err}
	}
	return bal, nil
}

// Call simulates msg against the latest block.
func (c *RPCClient) Call(ctx context.Context, msg CallRequest) ([]any, error) {
	data, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	to := msg.To
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		From:  msg.From,
		To:    &to,
		Value: msg.Value,
		Data:  data,
	}, nil)
	if err != nil {
		if re := asRevert(err); re != nil {
			return nil, re
		}
		return nil, &TxError{Op: "call " + msg.Method, Err: err}
	}
	if len(result) == 0 && len(msg.ABI.Methods[msg.Method].Outputs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, to.Hex())
	}
	return msg.ABI.Unpack(msg.Method, result)
}

// SendTransaction signs and submits tx. A revert detected during gas
// estimation is returned as *RevertError and nothing is sent.
func (c *RPCClient) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	data, err := tx.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	to := tx.To
	return c.send(ctx, tx.From, &to, tx.Value, data, tx.Method)
}

// Deploy creates artifact with constructor args and waits for the receipt.
func (c *RPCClient) Deploy(ctx context.Context, from common.Address, artifact *Artifact, args ...any) (common.Address, *types.Receipt, error) {
	if len(artifact.Bytecode) == 0 {
		return common.Address{}, nil, fmt.Errorf("%w: %s has no bytecode", ErrInvalidArtifact, artifact.Name)
	}
	ctorArgs, err := artifact.ABI.Pack("", args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack %s constructor: %w", artifact.Name, err)
	}
	data := append(append([]byte{}, artifact.Bytecode...), ctorArgs...)

	hash, err := c.send(ctx, from, nil, nil, data, "deploy "+artifact.Name)
	if err != nil {
		return common.Address{}, nil, err
	}
	receipt, err := c.WaitForReceipt(ctx, hash)
	if err != nil {
		return common.Address{}, receipt, err
	}
	return receipt.ContractAddress, receipt, nil
}

func (c *RPCClient) send(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte, op string) (common.Hash, error) {
	key, ok := c.keys[from]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	if value == nil {
		value = new(big.Int)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Estimate first: a revert here means the tx would be rejected.
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		if re := asRevert(err); re != nil {
			return common.Hash{}, re
		}
		return common.Hash{}, &TxError{Op: op + " estimate_gas", Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + " nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + " gas_price", Err: err}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + " sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		if re := asRevert(err); re != nil {
			return common.Hash{}, re
		}
		return common.Hash{}, &TxError{Op: op + " send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash(), nil
}

// WaitForReceipt polls until hash is mined. There is no timeout here;
// bound the wait with ctx.
func (c *RPCClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, &RevertError{TxHash: hash.Hex()}
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			// not mined yet
		default:
			return nil, &TxError{Op: "receipt", TxHash: hash.Hex(), Err: err}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the client connection
func (c *RPCClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// asRevert extracts a contract rejection from an RPC error, or returns nil.
func asRevert(err error) *RevertError {
	var de rpc.DataError
	if errors.As(err, &de) {
		if data, ok := de.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(data)); uerr == nil {
				return &RevertError{Reason: reason}
			}
		}
	}

	msg := err.Error()
	for _, marker := range []string{"execution reverted: ", "VM Exception while processing transaction: revert "} {
		if i := strings.Index(msg, marker); i >= 0 {
			return &RevertError{Reason: strings.TrimSpace(msg[i+len(marker):])}
		}
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "VM Exception") {
		return &RevertError{}
	}
	return nil
}
