// Package lottery drives a deployed lottery contract through its lifecycle.
//
// The contract moves CLOSED -> OPEN -> CALCULATING -> CLOSED. The Orchestrator
// sends one state-changing transaction per operation, waits for it to be mined
// and then reads the contract back to confirm the effect it expects. It never
// retries: contract rejections surface as ErrRejectedByContract and transport
// failures propagate unchanged.
package lottery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/metrics"
	"github.com/mbd888/lottery/internal/rounds"
	"github.com/mbd888/lottery/internal/syncutil"
	"github.com/mbd888/lottery/internal/traces"
)

var (
	ErrRejectedByContract = errors.New("lottery: rejected by contract")
	ErrUnknownRequest     = errors.New("lottery: unknown randomness request")
	ErrEffectMismatch     = errors.New("lottery: observed effect does not match")
	ErrNothingOutstanding = errors.New("lottery: no randomness request outstanding")
)

// State mirrors the contract's lottery_state enum.
type State uint8

const (
	StateOpen        State = 0
	StateClosed      State = 1
	StateCalculating State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCalculating:
		return "CALCULATING"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Notification kinds published while a round progresses.
const (
	KindRoundStarted        = "round_started"
	KindPlayerEntered       = "player_entered"
	KindRandomnessRequested = "randomness_requested"
	KindWinnerPicked        = "winner_picked"
)

// Notifier receives lifecycle notifications. realtime.Hub satisfies it.
type Notifier interface {
	Publish(kind string, data any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, any) {}

// Classify maps a chain error to the lottery error kinds. Contract rejections
// wrap ErrRejectedByContract (or ErrUnknownRequest for a mismatched callback)
// and keep the *chain.RevertError reachable; anything else is returned as is.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRejectedByContract), errors.Is(err, ErrUnknownRequest):
		return err
	case chain.RevertReason(err) == ReasonUnknownRequest:
		return fmt.Errorf("lottery: %s: %w: %w", op, ErrUnknownRequest, err)
	case chain.IsRevert(err):
		return fmt.Errorf("lottery: %s: %w: %w", op, ErrRejectedByContract, err)
	default:
		return err
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJournal records every draw in store.
func WithJournal(store rounds.Store) Option {
	return func(o *Orchestrator) { o.journal = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPollInterval sets how often Await reads the contract.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithNotifier publishes lifecycle notifications to n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// Orchestrator sequences calls against one lottery contract.
type Orchestrator struct {
	client       chain.Client
	address      common.Address
	abi          *abi.ABI
	journal      rounds.Store
	notifier     Notifier
	logger       *slog.Logger
	pollInterval time.Duration
	locks        *syncutil.ContextShardedMutex
}

// New creates an orchestrator for the lottery at address.
func New(client chain.Client, address common.Address, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:       client,
		address:      address,
		abi:          &ABI,
		journal:      rounds.NewMemoryStore(),
		notifier:     nopNotifier{},
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
		locks:        syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Address returns the lottery contract address.
func (o *Orchestrator) Address() common.Address { return o.address }

// Journal returns the round journal.
func (o *Orchestrator) Journal() rounds.Store { return o.journal }

func (o *Orchestrator) view(method string, args ...any) chain.CallRequest {
	return chain.CallRequest{To: o.address, ABI: o.abi, Method: method, Args: args}
}

// send submits method and waits for it to be mined.
func (o *Orchestrator) send(ctx context.Context, from common.Address, method string, value *big.Int, args ...any) (*types.Receipt, error) {
	receipt, err := chain.SendAndWait(ctx, o.client, chain.TxRequest{
		From:   from,
		To:     o.address,
		ABI:    o.abi,
		Method: method,
		Args:   args,
		Value:  value,
	})
	if err != nil {
		return nil, Classify(method, err)
	}
	return receipt, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// EntranceFee returns the minimum wei accepted by enter.
func (o *Orchestrator) EntranceFee(ctx context.Context) (*big.Int, error) {
	return chain.CallBig(ctx, o.client, o.view("getEntranceFee"))
}

// State returns the contract's lifecycle state.
func (o *Orchestrator) State(ctx context.Context) (State, error) {
	v, err := chain.CallOne(ctx, o.client, o.view("lottery_state"))
	if err != nil {
		return 0, err
	}
	s, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("lottery: lottery_state returned %T", v)
	}
	return State(s), nil
}

// Players returns the current entries in order.
func (o *Orchestrator) Players(ctx context.Context) ([]common.Address, error) {
	n, err := chain.CallBig(ctx, o.client, o.view("playerCount"))
	if err != nil {
		return nil, err
	}
	players := make([]common.Address, 0, n.Int64())
	for i := int64(0); i < n.Int64(); i++ {
		p, err := chain.CallAddress(ctx, o.client, o.view("players", big.NewInt(i)))
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, nil
}

// Balance returns the contract's ether balance (the pot).
func (o *Orchestrator) Balance(ctx context.Context) (*big.Int, error) {
	return o.client.BalanceAt(ctx, o.address)
}

// RecentWinner returns the winner of the last resolved round.
func (o *Orchestrator) RecentWinner(ctx context.Context) (common.Address, error) {
	return chain.CallAddress(ctx, o.client, o.view("recentWinner"))
}

// Randomness returns the random value that picked the last winner.
func (o *Orchestrator) Randomness(ctx context.Context) (*big.Int, error) {
	return chain.CallBig(ctx, o.client, o.view("randomness"))
}

// PendingRequestID returns the outstanding request id, zero when none.
func (o *Orchestrator) PendingRequestID(ctx context.Context) ([32]byte, error) {
	v, err := chain.CallOne(ctx, o.client, o.view("pendingRequestId"))
	if err != nil {
		return [32]byte{}, err
	}
	id, ok := v.([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("lottery: pendingRequestId returned %T", v)
	}
	return id, nil
}

// Snapshot is the observable state of the contract.
type Snapshot struct {
	Address      common.Address   `json:"address"`
	State        string           `json:"state"`
	Players      []common.Address `json:"players"`
	EntranceFee  string           `json:"entranceFee"`
	Balance      string           `json:"balance"`
	RecentWinner common.Address   `json:"recentWinner"`
}

// Snapshot reads every observable field of the contract.
func (o *Orchestrator) Snapshot(ctx context.Context) (*Snapshot, error) {
	state, err := o.State(ctx)
	if err != nil {
		return nil, err
	}
	players, err := o.Players(ctx)
	if err != nil {
		return nil, err
	}
	fee, err := o.EntranceFee(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := o.Balance(ctx)
	if err != nil {
		return nil, err
	}
	winner, err := o.RecentWinner(ctx)
	if err != nil {
		return nil, err
	}

	metrics.Players.Set(float64(len(players)))
	metrics.PotWei.Set(weiFloat(balance))

	return &Snapshot{
		Address:      o.address,
		State:        state.String(),
		Players:      players,
		EntranceFee:  fee.String(),
		Balance:      balance.String(),
		RecentWinner: winner,
	}, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// serialize takes the contract-wide lock held by state-changing calls, so the
// reads one call makes around its transaction see only its own effects.
func (o *Orchestrator) serialize(ctx context.Context) (func(), error) {
	return o.locks.LockContext(ctx, "contract:"+strings.ToLower(o.address.Hex()))
}

// StartLottery opens a new round. The contract accepts it only from CLOSED.
func (o *Orchestrator) StartLottery(ctx context.Context, from common.Address) (err error) {
	ctx, span := traces.StartSpan(ctx, "lottery.StartLottery", traces.Contract(o.address), traces.Account(from))
	defer func() { traces.End(span, err) }()

	unlock, err := o.serialize(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	receipt, err := o.send(ctx, from, "startLottery", nil)
	if err != nil {
		return err
	}

	state, err := o.State(ctx)
	if err != nil {
		return err
	}
	if state != StateOpen {
		return fmt.Errorf("%w: state after startLottery is %s", ErrEffectMismatch, state)
	}

	o.logger.Info("lottery started", "contract", o.address.Hex(), "tx", receipt.TxHash.Hex())
	o.notifier.Publish(KindRoundStarted, map[string]any{
		"contract": o.address.Hex(),
		"tx":       receipt.TxHash.Hex(),
	})
	metrics.Players.Set(0)
	return nil
}

// Enter buys a ticket for from, paying value wei. The contract accepts it only
// while OPEN and when value covers the entrance fee.
func (o *Orchestrator) Enter(ctx context.Context, from common.Address, value *big.Int) (err error) {
	ctx, span := traces.StartSpan(ctx, "lottery.Enter",
		traces.Contract(o.address), traces.Account(from), traces.Amount(value.String()))
	defer func() { traces.End(span, err) }()

	unlock, err := o.serialize(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	before, err := o.Players(ctx)
	if err != nil {
		return err
	}
	potBefore, err := o.Balance(ctx)
	if err != nil {
		return err
	}

	receipt, err := o.send(ctx, from, "enter", value)
	if err != nil {
		return err
	}

	after, err := o.Players(ctx)
	if err != nil {
		return err
	}
	// Entries sent by other processes may land in the same window, so from
	// only has to be among the appended players.
	if len(after) <= len(before) || !slices.Contains(after[len(before):], from) {
		return fmt.Errorf("%w: expected %s appended to %d players, have %d",
			ErrEffectMismatch, from.Hex(), len(before), len(after))
	}
	potAfter, err := o.Balance(ctx)
	if err != nil {
		return err
	}
	if want := new(big.Int).Add(potBefore, value); potAfter.Cmp(want) < 0 {
		return fmt.Errorf("%w: pot is %s after entry, want at least %s", ErrEffectMismatch, potAfter, want)
	}

	o.logger.Info("player entered",
		"contract", o.address.Hex(),
		"player", from.Hex(),
		"value", chain.FromWei(value),
		"players", len(after),
		"tx", receipt.TxHash.Hex(),
	)
	o.notifier.Publish(KindPlayerEntered, map[string]any{
		"contract": o.address.Hex(),
		"player":   from.Hex(),
		"value":    value.String(),
		"players":  len(after),
	})
	metrics.Players.Set(float64(len(after)))
	metrics.PotWei.Set(weiFloat(potAfter))
	return nil
}

// EndLottery closes entries and requests randomness. The contract accepts it
// only while OPEN. The returned Request is the single-use token that Resolve
// or Await consumes once the randomness callback has landed.
func (o *Orchestrator) EndLottery(ctx context.Context, from common.Address) (req *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "lottery.EndLottery", traces.Contract(o.address), traces.Account(from))
	defer func() { traces.End(span, err) }()

	unlock, err := o.serialize(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	players, err := o.Players(ctx)
	if err != nil {
		return nil, err
	}
	pot, err := o.Balance(ctx)
	if err != nil {
		return nil, err
	}

	receipt, err := o.send(ctx, from, "endLottery", nil)
	if err != nil {
		metrics.RoundsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	state, err := o.State(ctx)
	if err != nil {
		return nil, err
	}
	// A fast oracle may have answered already; anything but OPEN is progress.
	if state == StateOpen {
		return nil, fmt.Errorf("%w: state after endLottery is %s", ErrEffectMismatch, state)
	}

	ev, err := chain.FindEvent(o.abi, o.address, receipt, EventRequestRandomness)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEffectMismatch, err)
	}
	id, ok := ev.Args["requestId"].([32]byte)
	if !ok {
		return nil, fmt.Errorf("%w: requestId has type %T", ErrEffectMismatch, ev.Args["requestId"])
	}

	req = &Request{
		ID:       id,
		Contract: o.address,
		TxHash:   receipt.TxHash,
		Players:  players,
		Pot:      pot,
	}
	span.SetAttributes(traces.RequestID(id))

	round := rounds.NewRound(o.address.Hex(), req.IDHex(), receipt.TxHash.Hex(), pot.String(), hexAddrs(players))
	if jerr := o.journal.Create(ctx, round); jerr != nil {
		o.logger.Error("failed to journal round", "contract", o.address.Hex(), "request_id", req.IDHex(), "error", jerr)
	} else {
		req.RoundID = round.ID
	}

	o.logger.Info("randomness requested",
		"contract", o.address.Hex(),
		"request_id", req.IDHex(),
		"round_id", req.RoundID,
		"players", len(players),
		"pot", chain.FromWei(pot),
		"tx", receipt.TxHash.Hex(),
	)
	o.notifier.Publish(KindRandomnessRequested, map[string]any{
		"contract":  o.address.Hex(),
		"requestId": req.IDHex(),
		"roundId":   req.RoundID,
		"players":   len(players),
		"pot":       pot.String(),
	})
	metrics.RoundsTotal.WithLabelValues("requested").Inc()
	return req, nil
}

func hexAddrs(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

func weiFloat(wei *big.Int) float64 {
	f, _ := new(big.Float).SetInt(wei).Float64()
	return f
}
