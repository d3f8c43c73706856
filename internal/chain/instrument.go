package chain

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/lottery/internal/metrics"
)

// Instrumented decorates a Client with Prometheus counters and debug logs.
// Errors pass through unchanged.
type Instrumented struct {
	Client
	logger *slog.Logger
}

// Instrument wraps c. A nil logger falls back to slog.Default().
func Instrument(c Client, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{Client: c, logger: logger}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRevert(err):
		return "reverted"
	default:
		return "error"
	}
}

func (i *Instrumented) Deploy(ctx context.Context, from common.Address, artifact *Artifact, args ...any) (common.Address, *types.Receipt, error) {
	addr, receipt, err := i.Client.Deploy(ctx, from, artifact, args...)
	metrics.ChainTransactionsTotal.WithLabelValues("deploy:"+artifact.Name, outcome(err)).Inc()
	i.logger.Debug("deploy", "contract", artifact.Name, "address", addr.Hex(), "error", err)
	return addr, receipt, err
}

func (i *Instrumented) Call(ctx context.Context, msg CallRequest) ([]any, error) {
	out, err := i.Client.Call(ctx, msg)
	metrics.ChainCallsTotal.WithLabelValues(msg.Method, outcome(err)).Inc()
	return out, err
}

func (i *Instrumented) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	hash, err := i.Client.SendTransaction(ctx, tx)
	metrics.ChainTransactionsTotal.WithLabelValues(tx.Method, outcome(err)).Inc()
	i.logger.Debug("transaction sent",
		"to", tx.To.Hex(),
		"method", tx.Method,
		"from", tx.From.Hex(),
		"tx", hash.Hex(),
		"error", err,
	)
	return hash, err
}

func (i *Instrumented) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	receipt, err := i.Client.WaitForReceipt(ctx, hash)
	metrics.ReceiptWait.Observe(time.Since(start).Seconds())
	return receipt, err
}
