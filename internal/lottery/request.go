package lottery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/metrics"
	"github.com/mbd888/lottery/internal/rounds"
	"github.com/mbd888/lottery/internal/traces"
)

// Request is the token produced by EndLottery for one randomness request.
// It is consumed at most once, by Resolve or Await.
type Request struct {
	ID       [32]byte
	Contract common.Address
	TxHash   common.Hash
	RoundID  string
	Players  []common.Address
	Pot      *big.Int

	consumed atomic.Bool
}

// IDHex returns the request id as 0x-prefixed hex.
func (r *Request) IDHex() string { return hexutil.Encode(r.ID[:]) }

// Consumed reports whether the request has been resolved through this token.
func (r *Request) Consumed() bool { return r.consumed.Load() }

// Fulfiller delivers randomness for a request. oracle.Simulator is the local
// implementation; live networks have no Fulfiller and use Await instead.
type Fulfiller interface {
	Fulfill(ctx context.Context, requestID [32]byte, consumer common.Address) error
}

// Outcome describes a resolved round.
type Outcome struct {
	RequestID   [32]byte
	RoundID     string
	Winner      common.Address
	WinnerIndex int
	Randomness  *big.Int
	Pot         *big.Int
	Players     []common.Address
	// Winner balances around the callback; nil when the callback was not
	// delivered by this process.
	WinnerBalanceBefore *big.Int
	WinnerBalanceAfter  *big.Int
}

// Resolve delivers randomness for req through f and verifies the payout.
// A request that is no longer outstanding on the contract, or was already
// consumed, fails with ErrUnknownRequest before anything is sent.
func (o *Orchestrator) Resolve(ctx context.Context, req *Request, f Fulfiller) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "lottery.Resolve", traces.Contract(o.address), traces.RequestID(req.ID))
	defer func() { traces.End(span, err) }()
	ctx = logging.WithRoundID(logging.WithLogger(ctx, o.logger), req.RoundID)

	unlock, err := o.locks.LockContext(ctx, req.IDHex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.consumed.Load() {
		return nil, fmt.Errorf("%w: %s already resolved", ErrUnknownRequest, req.IDHex())
	}
	if err := o.checkOutstanding(ctx, req); err != nil {
		return nil, err
	}

	before := make(map[common.Address]*big.Int, len(req.Players))
	for _, p := range req.Players {
		if _, ok := before[p]; ok {
			continue
		}
		bal, err := o.client.BalanceAt(ctx, p)
		if err != nil {
			return nil, err
		}
		before[p] = bal
	}

	if err := f.Fulfill(ctx, req.ID, o.address); err != nil {
		return nil, Classify("fulfill", err)
	}
	req.consumed.Store(true)

	if err := o.waitResolved(ctx, req); err != nil {
		return nil, err
	}
	var payer common.Address
	if s, ok := f.(sender); ok {
		payer = s.Sender()
	}
	return o.settle(ctx, req, before, payer)
}

// sender is implemented by fulfillers that sign the callback transaction.
// A winner that also paid for the callback may see its gain reduced by fees.
type sender interface {
	Sender() common.Address
}

// Await waits for a callback delivered by someone else (a live oracle) and
// verifies the payout. It polls the contract at the configured interval until
// req is no longer outstanding or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, req *Request) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "lottery.Await", traces.Contract(o.address), traces.RequestID(req.ID))
	defer func() { traces.End(span, err) }()
	ctx = logging.WithRoundID(logging.WithLogger(ctx, o.logger), req.RoundID)

	unlock, err := o.locks.LockContext(ctx, req.IDHex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.consumed.Load() {
		return nil, fmt.Errorf("%w: %s already resolved", ErrUnknownRequest, req.IDHex())
	}

	logging.L(ctx).Info("waiting for randomness", "contract", o.address.Hex(), "request_id", req.IDHex())
	if err := o.waitResolved(ctx, req); err != nil {
		return nil, err
	}
	req.consumed.Store(true)
	return o.settle(ctx, req, nil, common.Address{})
}

// Draw ends the round and resolves it. With a nil Fulfiller it waits for the
// network's oracle.
func (o *Orchestrator) Draw(ctx context.Context, from common.Address, f Fulfiller) (*Outcome, error) {
	req, err := o.EndLottery(ctx, from)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return o.Await(ctx, req)
	}
	return o.Resolve(ctx, req, f)
}

// Recover rebuilds the token for the request the contract is waiting on, so a
// restarted process can finish a draw. The journal supplies the round id and
// the entries captured at request time; without a journal entry they are read
// from the contract and a new pending round is recorded.
func (o *Orchestrator) Recover(ctx context.Context) (*Request, error) {
	state, err := o.State(ctx)
	if err != nil {
		return nil, err
	}
	if state != StateCalculating {
		return nil, fmt.Errorf("%w: contract is %s", ErrNothingOutstanding, state)
	}
	id, err := o.PendingRequestID(ctx)
	if err != nil {
		return nil, err
	}
	req := &Request{ID: id, Contract: o.address}

	round, err := o.journal.Pending(ctx, o.address.Hex())
	switch {
	case err == nil && round.RequestID == strings.ToLower(req.IDHex()):
		req.RoundID = round.ID
		req.TxHash = common.HexToHash(round.RequestTx)
		for _, p := range round.Players {
			req.Players = append(req.Players, common.HexToAddress(p))
		}
		pot, ok := new(big.Int).SetString(round.Pot, 10)
		if !ok {
			return nil, fmt.Errorf("lottery: journaled pot %q is not a number", round.Pot)
		}
		req.Pot = pot
	case err == nil, errors.Is(err, rounds.ErrRoundNotFound):
		if err == nil {
			o.abandon(ctx, round)
		}
		if req.Players, err = o.Players(ctx); err != nil {
			return nil, err
		}
		if req.Pot, err = o.Balance(ctx); err != nil {
			return nil, err
		}
		fresh := rounds.NewRound(o.address.Hex(), req.IDHex(), "", req.Pot.String(), hexAddrs(req.Players))
		if jerr := o.journal.Create(ctx, fresh); jerr != nil {
			o.logger.Error("failed to journal recovered round", "request_id", req.IDHex(), "error", jerr)
		} else {
			req.RoundID = fresh.ID
		}
	default:
		return nil, err
	}

	o.logger.Info("recovered outstanding request",
		"contract", o.address.Hex(),
		"request_id", req.IDHex(),
		"round_id", req.RoundID,
		"players", len(req.Players),
	)
	return req, nil
}

// abandon closes a journaled round whose request the contract no longer waits
// on, so it stops shadowing the outstanding one.
func (o *Orchestrator) abandon(ctx context.Context, round *rounds.Round) {
	stale := round.RequestID
	round.Abandon()
	if err := o.journal.Update(ctx, round); err != nil {
		o.logger.Error("failed to abandon stale round", "round_id", round.ID, "request_id", stale, "error", err)
		return
	}
	o.logger.Warn("abandoned stale round", "round_id", round.ID, "request_id", stale)
}

func (o *Orchestrator) checkOutstanding(ctx context.Context, req *Request) error {
	if req.Contract != o.address {
		return fmt.Errorf("%w: %s belongs to %s", ErrUnknownRequest, req.IDHex(), req.Contract.Hex())
	}
	state, err := o.State(ctx)
	if err != nil {
		return err
	}
	pending, err := o.PendingRequestID(ctx)
	if err != nil {
		return err
	}
	if state != StateCalculating || pending != req.ID {
		return fmt.Errorf("%w: %s is not outstanding (state %s)", ErrUnknownRequest, req.IDHex(), state)
	}
	return nil
}

// waitResolved polls until the contract no longer waits on req.
func (o *Orchestrator) waitResolved(ctx context.Context, req *Request) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		pending, err := o.PendingRequestID(ctx)
		if err != nil {
			return err
		}
		if pending != req.ID {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle verifies the resolution effects and records the outcome. With the
// balances captured before the callback, the winner must have gained exactly
// the pot unless it is payer, the account that sent the callback.
func (o *Orchestrator) settle(ctx context.Context, req *Request, before map[common.Address]*big.Int, payer common.Address) (*Outcome, error) {
	if len(req.Players) == 0 {
		return nil, fmt.Errorf("%w: request %s has no players", ErrEffectMismatch, req.IDHex())
	}

	state, err := o.State(ctx)
	if err != nil {
		return nil, err
	}
	players, err := o.Players(ctx)
	if err != nil {
		return nil, err
	}
	// Someone may already have started the next round; only then may it be OPEN.
	if state == StateCalculating || (state == StateClosed && len(players) != 0) {
		return nil, fmt.Errorf("%w: state %s with %d players after resolution", ErrEffectMismatch, state, len(players))
	}
	if state == StateClosed {
		pot, err := o.Balance(ctx)
		if err != nil {
			return nil, err
		}
		if pot.Sign() != 0 {
			return nil, fmt.Errorf("%w: contract still holds %s wei", ErrEffectMismatch, pot)
		}
	}

	randomness, err := o.Randomness(ctx)
	if err != nil {
		return nil, err
	}
	winner, err := o.RecentWinner(ctx)
	if err != nil {
		return nil, err
	}
	idx := int(new(big.Int).Mod(randomness, big.NewInt(int64(len(req.Players)))).Int64())
	if expected := req.Players[idx]; winner != expected {
		return nil, fmt.Errorf("%w: winner %s, want players[%d] = %s", ErrEffectMismatch, winner.Hex(), idx, expected.Hex())
	}

	out := &Outcome{
		RequestID:   req.ID,
		RoundID:     req.RoundID,
		Winner:      winner,
		WinnerIndex: idx,
		Randomness:  randomness,
		Pot:         req.Pot,
		Players:     req.Players,
	}
	if before != nil {
		out.WinnerBalanceBefore = before[winner]
		if out.WinnerBalanceAfter, err = o.client.BalanceAt(ctx, winner); err != nil {
			return nil, err
		}
		gained := new(big.Int).Sub(out.WinnerBalanceAfter, out.WinnerBalanceBefore)
		if winner != payer && req.Pot != nil && gained.Cmp(req.Pot) != 0 {
			return nil, fmt.Errorf("%w: winner %s received %s wei, want pot %s", ErrEffectMismatch, winner.Hex(), gained, req.Pot)
		}
	}

	o.journalResolved(ctx, req, out)

	logging.L(ctx).Info("winner picked",
		"contract", o.address.Hex(),
		"request_id", req.IDHex(),
		"winner", winner.Hex(),
		"index", idx,
		"randomness", randomness.String(),
		"pot", req.Pot.String(),
	)
	o.notifier.Publish(KindWinnerPicked, map[string]any{
		"contract":   o.address.Hex(),
		"requestId":  req.IDHex(),
		"roundId":    req.RoundID,
		"winner":     winner.Hex(),
		"randomness": randomness.String(),
		"pot":        req.Pot.String(),
	})
	metrics.RoundsTotal.WithLabelValues("resolved").Inc()
	metrics.Players.Set(0)
	metrics.PotWei.Set(0)
	return out, nil
}

func (o *Orchestrator) journalResolved(ctx context.Context, req *Request, out *Outcome) {
	if req.RoundID == "" {
		return
	}
	round, err := o.journal.Get(ctx, req.RoundID)
	if err == nil {
		round.Resolve(out.Winner.Hex(), out.Randomness.String())
		err = o.journal.Update(ctx, round)
	}
	if err != nil {
		logging.L(ctx).Error("failed to journal resolution", "request_id", req.IDHex(), "error", err)
	}
}
