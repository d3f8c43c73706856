package lottery_test

import (
	"context"
	"errors"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/deploy"
	"github.com/mbd888/lottery/internal/devchain"
	"github.com/mbd888/lottery/internal/devchain/contracts"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/oracle"
	"github.com/mbd888/lottery/internal/rounds"
)

func localConfig() *config.Config {
	return &config.Config{
		Network:        "development",
		LocalNetworks:  []string{"development"},
		EthUSDPrice:    config.DefaultEthUSDPrice,
		LinkFee:        config.DefaultLinkFee,
		LinkFundAmount: config.DefaultLinkFundAmount,
		KeyHash:        config.DefaultKeyHash,
		Randomness:     config.DefaultRandomness,
	}
}

type fixture struct {
	ctx      context.Context
	chain    *devchain.Chain
	deployer *deploy.Deployer
	stack    *deploy.Stack
	orch     *lottery.Orchestrator
	sim      *oracle.Simulator
	journal  *rounds.MemoryStore
	owner    common.Address
	players  []common.Address // accounts 1..3
	fee      *big.Int
}

func newFixture(t *testing.T, opts ...lottery.Option) *fixture {
	t.Helper()
	return newFixtureOn(t, contracts.NewChain(), opts...)
}

// newFixtureOn deploys the lottery stack on c, which may carry replacement
// contract implementations.
func newFixtureOn(t *testing.T, c *devchain.Chain, opts ...lottery.Option) *fixture {
	t.Helper()
	cfg := localConfig()
	// Oracle simulation needs the coordinator mock, which only local networks run.
	if !cfg.SupportsOracleSimulation() {
		t.Skipf("network %s cannot simulate oracle callbacks", cfg.Network)
	}

	ctx := context.Background()
	t.Cleanup(func() { _ = c.Close() })

	accounts, err := c.Accounts(ctx)
	require.NoError(t, err)

	d := &deploy.Deployer{Client: c, Artifacts: contracts.Source{}, Config: cfg}
	stack, err := d.DeployLottery(ctx, accounts[0])
	require.NoError(t, err)

	journal := rounds.NewMemoryStore()
	opts = append([]lottery.Option{lottery.WithJournal(journal), lottery.WithPollInterval(5 * time.Millisecond)}, opts...)
	orch := lottery.New(c, stack.Lottery, opts...)

	fee, err := orch.EntranceFee(ctx)
	require.NoError(t, err)

	return &fixture{
		ctx:      ctx,
		chain:    c,
		deployer: d,
		stack:    stack,
		orch:     orch,
		sim:      d.Fulfiller(stack, accounts[0]).(*oracle.Simulator),
		journal:  journal,
		owner:    accounts[0],
		players:  accounts[1:4],
		fee:      fee,
	}
}

func (f *fixture) state(t *testing.T) lottery.State {
	t.Helper()
	s, err := f.orch.State(f.ctx)
	require.NoError(t, err)
	return s
}

func (f *fixture) balance(t *testing.T, addr common.Address) *big.Int {
	t.Helper()
	b, err := f.chain.BalanceAt(f.ctx, addr)
	require.NoError(t, err)
	return b
}

// open starts the lottery and enters every player once.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.StartLottery(f.ctx, f.owner))
	for _, p := range f.players {
		require.NoError(t, f.orch.Enter(f.ctx, p, f.fee))
	}
}

// calculating takes the lottery to CALCULATING and returns the request.
func (f *fixture) calculating(t *testing.T) *lottery.Request {
	t.Helper()
	f.open(t)
	_, err := f.deployer.Fund(f.ctx, f.stack, f.owner)
	require.NoError(t, err)
	req, err := f.orch.EndLottery(f.ctx, f.owner)
	require.NoError(t, err)
	return req
}

func assertRejected(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, lottery.ErrRejectedByContract)
	assert.Equal(t, reason, chain.RevertReason(err))
}

func TestEntranceFee(t *testing.T) {
	f := newFixture(t)
	// 50 USD at 2000 USD/ETH.
	assert.Equal(t, chain.MustToWei("0.025"), f.fee)

	again, err := f.orch.EntranceFee(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, f.fee, again)
	assert.Equal(t, lottery.StateClosed, f.state(t))
}

func TestStartLottery_OnlyFromClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.StartLottery(f.ctx, f.owner))
	assert.Equal(t, lottery.StateOpen, f.state(t))

	// OPEN
	assertRejected(t, f.orch.StartLottery(f.ctx, f.owner), lottery.ReasonCantStart)

	// CALCULATING
	for _, p := range f.players {
		require.NoError(t, f.orch.Enter(f.ctx, p, f.fee))
	}
	_, err := f.deployer.Fund(f.ctx, f.stack, f.owner)
	require.NoError(t, err)
	_, err = f.orch.EndLottery(f.ctx, f.owner)
	require.NoError(t, err)
	assertRejected(t, f.orch.StartLottery(f.ctx, f.owner), lottery.ReasonCantStart)
	assert.Equal(t, lottery.StateCalculating, f.state(t))
}

func TestStartLottery_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	assertRejected(t, f.orch.StartLottery(f.ctx, f.players[0]), lottery.ReasonNotOwner)
	assert.Equal(t, lottery.StateClosed, f.state(t))
}

func TestEnter(t *testing.T) {
	f := newFixture(t)
	player := f.players[0]

	t.Run("closed", func(t *testing.T) {
		before := f.balance(t, player)
		assertRejected(t, f.orch.Enter(f.ctx, player, f.fee), lottery.ReasonNotOpen)
		assert.Equal(t, before, f.balance(t, player), "rejected entry must not move funds")
	})

	require.NoError(t, f.orch.StartLottery(f.ctx, f.owner))

	t.Run("open with exact fee", func(t *testing.T) {
		require.NoError(t, f.orch.Enter(f.ctx, player, f.fee))
		players, err := f.orch.Players(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, []common.Address{player}, players)
		assert.Equal(t, f.fee, f.balance(t, f.stack.Lottery))
	})

	t.Run("open below fee", func(t *testing.T) {
		short := new(big.Int).Sub(f.fee, big.NewInt(1))
		assertRejected(t, f.orch.Enter(f.ctx, f.players[1], short), lottery.ReasonNotEnoughETH)
		players, err := f.orch.Players(f.ctx)
		require.NoError(t, err)
		assert.Len(t, players, 1)
		assert.Equal(t, f.fee, f.balance(t, f.stack.Lottery))
	})

	t.Run("same account twice", func(t *testing.T) {
		require.NoError(t, f.orch.Enter(f.ctx, player, f.fee))
		players, err := f.orch.Players(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, []common.Address{player, player}, players)
	})

	t.Run("calculating", func(t *testing.T) {
		_, err := f.deployer.Fund(f.ctx, f.stack, f.owner)
		require.NoError(t, err)
		_, err = f.orch.EndLottery(f.ctx, f.owner)
		require.NoError(t, err)
		assertRejected(t, f.orch.Enter(f.ctx, player, f.fee), lottery.ReasonNotOpen)
	})
}

// slowClient delays every submission so concurrent callers overlap.
type slowClient struct {
	chain.Client
	delay time.Duration
}

func (s *slowClient) SendTransaction(ctx context.Context, tx chain.TxRequest) (common.Hash, error) {
	time.Sleep(s.delay)
	return s.Client.SendTransaction(ctx, tx)
}

func TestEnter_Concurrent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.StartLottery(f.ctx, f.owner))
	orch := lottery.New(&slowClient{Client: f.chain, delay: 10 * time.Millisecond}, f.stack.Lottery)

	errs := make([]error, len(f.players))
	var wg sync.WaitGroup
	for i, p := range f.players {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = orch.Enter(f.ctx, p, f.fee)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "entry of player %d", i)
	}
	players, err := f.orch.Players(f.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, f.players, players)
	assert.Equal(t, new(big.Int).Mul(f.fee, big.NewInt(3)), f.balance(t, f.stack.Lottery))
}

func TestEndLottery_OnlyFromOpen(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.EndLottery(f.ctx, f.owner)
	assertRejected(t, err, lottery.ReasonNotOpen)

	req := f.calculating(t)
	assert.NotEqual(t, [32]byte{}, req.ID)
	assert.Equal(t, lottery.StateCalculating, f.state(t))

	// A second end while a request is outstanding is rejected, not queued.
	_, err = f.orch.EndLottery(f.ctx, f.owner)
	assertRejected(t, err, lottery.ReasonNotOpen)

	pending, err := f.orch.PendingRequestID(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, req.ID, pending)
}

func TestEndLottery_NeedsLINK(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	_, err := f.orch.EndLottery(f.ctx, f.owner)
	assertRejected(t, err, lottery.ReasonNotEnoughLINK)
	assert.Equal(t, lottery.StateOpen, f.state(t))
}

func TestEndLottery_NeedsPlayers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.StartLottery(f.ctx, f.owner))
	_, err := f.deployer.Fund(f.ctx, f.stack, f.owner)
	require.NoError(t, err)

	_, err = f.orch.EndLottery(f.ctx, f.owner)
	assertRejected(t, err, lottery.ReasonNoPlayers)
}

func TestEndLottery_JournalsPendingRound(t *testing.T) {
	f := newFixture(t)
	req := f.calculating(t)

	require.NotEmpty(t, req.RoundID)
	round, err := f.journal.Get(f.ctx, req.RoundID)
	require.NoError(t, err)
	assert.Equal(t, rounds.StatusPending, round.Status)
	assert.Equal(t, req.IDHex(), round.RequestID)
	assert.Len(t, round.Players, 3)
	assert.Equal(t, new(big.Int).Mul(f.fee, big.NewInt(3)).String(), round.Pot)
}

func TestScenario_PickWinner(t *testing.T) {
	f := newFixture(t)
	a := f.players[0]

	req := f.calculating(t)
	assert.Equal(t, lottery.StateCalculating, f.state(t))

	startingBalanceOfWinner := f.balance(t, a)
	balanceOfLottery := f.balance(t, f.stack.Lottery)
	assert.Equal(t, new(big.Int).Mul(f.fee, big.NewInt(3)), balanceOfLottery)

	f.sim.Randomness = big.NewInt(777)
	out, err := f.orch.Resolve(f.ctx, req, f.sim)
	require.NoError(t, err)

	// 777 % 3 = 0
	assert.Equal(t, a, out.Winner)
	assert.Equal(t, 0, out.WinnerIndex)
	winner, err := f.orch.RecentWinner(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, a, winner)

	assert.Zero(t, f.balance(t, f.stack.Lottery).Sign())
	assert.Equal(t, new(big.Int).Add(startingBalanceOfWinner, balanceOfLottery), f.balance(t, a))
	assert.Equal(t, startingBalanceOfWinner, out.WinnerBalanceBefore)
	assert.Equal(t, f.balance(t, a), out.WinnerBalanceAfter)

	assert.Equal(t, lottery.StateClosed, f.state(t))
	players, err := f.orch.Players(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, players)
	assert.True(t, req.Consumed())

	round, err := f.journal.Get(f.ctx, req.RoundID)
	require.NoError(t, err)
	assert.Equal(t, rounds.StatusResolved, round.Status)
	assert.Equal(t, "777", round.Randomness)
	assert.NotNil(t, round.ResolvedAt)
}

func TestResolve_WinnerIndex(t *testing.T) {
	tests := []struct {
		randomness int64
		want       int
	}{
		{777, 0},
		{778, 1},
		{779, 2},
		{3, 0},
		{1, 1},
	}
	for _, tt := range tests {
		t.Run(big.NewInt(tt.randomness).String(), func(t *testing.T) {
			f := newFixture(t)
			req := f.calculating(t)
			f.sim.Randomness = big.NewInt(tt.randomness)

			out, err := f.orch.Resolve(f.ctx, req, f.sim)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.WinnerIndex)
			assert.Equal(t, f.players[tt.want], out.Winner)
		})
	}
}

// skimmingLottery behaves like the lottery but moves the pot to skimTo just
// before the winner is paid, so the winner receives nothing.
type skimmingLottery struct {
	devchain.Contract
	skimTo common.Address
}

func (l *skimmingLottery) Clone() devchain.Contract {
	return &skimmingLottery{Contract: l.Contract.Clone(), skimTo: l.skimTo}
}

func (l *skimmingLottery) Invoke(env *devchain.Env, method string, args []any) ([]any, error) {
	if method == "rawFulfillRandomness" {
		if err := env.Transfer(l.skimTo, env.Balance(env.Self)); err != nil {
			return nil, err
		}
	}
	return l.Contract.Invoke(env, method, args)
}

func TestResolve_WinnerNotPaid(t *testing.T) {
	c := contracts.NewChain()
	c.Install(lottery.ContractName, func(env *devchain.Env, args []any) (devchain.Contract, error) {
		inner, err := contracts.NewLottery(env, args)
		if err != nil {
			return nil, err
		}
		return &skimmingLottery{Contract: inner, skimTo: env.Sender}, nil
	})
	f := newFixtureOn(t, c)
	req := f.calculating(t)
	winner := f.players[0]
	before := f.balance(t, winner)

	f.sim.Randomness = big.NewInt(777)
	_, err := f.orch.Resolve(f.ctx, req, f.sim)
	require.Error(t, err)
	assert.ErrorIs(t, err, lottery.ErrEffectMismatch)
	assert.Contains(t, err.Error(), winner.Hex())

	// The contract itself looks settled.
	recent, err := f.orch.RecentWinner(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, winner, recent)
	assert.Equal(t, lottery.StateClosed, f.state(t))
	assert.Equal(t, before, f.balance(t, winner))

	round, err := f.journal.Get(f.ctx, req.RoundID)
	require.NoError(t, err)
	assert.Equal(t, rounds.StatusPending, round.Status)
}

func TestResolve_UnknownRequestLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	req := f.calculating(t)
	pot := f.balance(t, f.stack.Lottery)

	bogus := &lottery.Request{ID: [32]byte{0xde, 0xad}, Contract: f.stack.Lottery, Players: req.Players}
	_, err := f.orch.Resolve(f.ctx, bogus, f.sim)
	require.ErrorIs(t, err, lottery.ErrUnknownRequest)
	assert.False(t, bogus.Consumed())

	// Straight to the coordinator, bypassing the orchestrator's check.
	_, err = f.sim.DeliverRandomness(f.ctx, bogus.ID, big.NewInt(777), f.stack.Lottery, f.owner)
	require.ErrorIs(t, err, lottery.ErrUnknownRequest)
	assert.Equal(t, lottery.ReasonUnknownRequest, chain.RevertReason(err))

	assert.Equal(t, lottery.StateCalculating, f.state(t))
	assert.Equal(t, pot, f.balance(t, f.stack.Lottery))
	pending, err := f.orch.PendingRequestID(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, req.ID, pending)
	players, err := f.orch.Players(f.ctx)
	require.NoError(t, err)
	assert.Len(t, players, 3)

	// The real request still resolves afterwards.
	_, err = f.orch.Resolve(f.ctx, req, f.sim)
	require.NoError(t, err)
}

func TestResolve_OtherContract(t *testing.T) {
	f := newFixture(t)
	req := f.calculating(t)

	other := &lottery.Request{ID: req.ID, Contract: common.HexToAddress("0x01"), Players: req.Players}
	_, err := f.orch.Resolve(f.ctx, other, f.sim)
	assert.ErrorIs(t, err, lottery.ErrUnknownRequest)
}

func TestResolve_RequestIsSingleUse(t *testing.T) {
	f := newFixture(t)
	req := f.calculating(t)

	_, err := f.orch.Resolve(f.ctx, req, f.sim)
	require.NoError(t, err)

	_, err = f.orch.Resolve(f.ctx, req, f.sim)
	assert.ErrorIs(t, err, lottery.ErrUnknownRequest)
	_, err = f.orch.Await(f.ctx, req)
	assert.ErrorIs(t, err, lottery.ErrUnknownRequest)

	// Once resolved the contract no longer knows the id either.
	_, err = f.sim.DeliverRandomness(f.ctx, req.ID, big.NewInt(5), f.stack.Lottery, f.owner)
	assert.ErrorIs(t, err, lottery.ErrUnknownRequest)
}

func TestResolve_ConcurrentAttemptsResolveOnce(t *testing.T) {
	f := newFixture(t)
	req := f.calculating(t)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		unknown   int
	)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := f.orch.Resolve(f.ctx, req, f.sim)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, lottery.ErrUnknownRequest):
				unknown++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, unknown)
}

func TestDraw_WithSimulator(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	_, err := f.deployer.Fund(f.ctx, f.stack, f.owner)
	require.NoError(t, err)

	out, err := f.orch.Draw(f.ctx, f.owner, f.sim)
	require.NoError(t, err)
	assert.Equal(t, f.players[0], out.Winner)
	assert.Equal(t, new(big.Int).Mul(f.fee, big.NewInt(3)), out.Pot)

	// The next round can start right away.
	require.NoError(t, f.orch.StartLottery(f.ctx, f.owner))
}

func TestDraw_AwaitsExternalOracle(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	_, err := f.deployer.Fund(f.ctx, f.stack, f.owner)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()

	// Plays the oracle network: answers whatever request shows up.
	delivered := make(chan error, 1)
	go func() {
		for {
			id, err := f.orch.PendingRequestID(ctx)
			if err != nil {
				delivered <- err
				return
			}
			if id != ([32]byte{}) {
				_, err := f.sim.DeliverRandomness(ctx, id, big.NewInt(779), f.stack.Lottery, f.owner)
				delivered <- err
				return
			}
			select {
			case <-ctx.Done():
				delivered <- ctx.Err()
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}()

	out, err := f.orch.Draw(ctx, f.owner, nil)
	require.NoError(t, err)
	require.NoError(t, <-delivered)
	assert.Equal(t, f.players[2], out.Winner)
	assert.Nil(t, out.WinnerBalanceBefore)
}

func TestAwait_HonoursContext(t *testing.T) {
	f := newFixture(t)
	req := f.calculating(t)

	ctx, cancel := context.WithTimeout(f.ctx, 30*time.Millisecond)
	defer cancel()
	_, err := f.orch.Await(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, req.Consumed())
}

func TestRecover(t *testing.T) {
	t.Run("from journal", func(t *testing.T) {
		f := newFixture(t)
		req := f.calculating(t)

		restarted := lottery.New(f.chain, f.stack.Lottery, lottery.WithJournal(f.journal))
		got, err := restarted.Recover(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, req.RoundID, got.RoundID)
		assert.Equal(t, req.Players, got.Players)
		assert.Equal(t, req.Pot, got.Pot)

		out, err := restarted.Resolve(f.ctx, got, f.sim)
		require.NoError(t, err)
		assert.Equal(t, f.players[0], out.Winner)
	})

	t.Run("from chain", func(t *testing.T) {
		f := newFixture(t)
		req := f.calculating(t)

		journal := rounds.NewMemoryStore()
		restarted := lottery.New(f.chain, f.stack.Lottery, lottery.WithJournal(journal))
		got, err := restarted.Recover(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
		assert.Equal(t, req.Players, got.Players)
		assert.NotEqual(t, req.RoundID, got.RoundID)

		pending, err := journal.Pending(f.ctx, f.stack.Lottery.Hex())
		require.NoError(t, err)
		assert.Equal(t, got.RoundID, pending.ID)
	})

	t.Run("stale journal entry", func(t *testing.T) {
		f := newFixture(t)
		req := f.calculating(t)

		journal := rounds.NewMemoryStore()
		stale := rounds.NewRound(f.stack.Lottery.Hex(), "0x"+strings.Repeat("ab", 32), "", "0", nil)
		require.NoError(t, journal.Create(f.ctx, stale))

		restarted := lottery.New(f.chain, f.stack.Lottery, lottery.WithJournal(journal))
		got, err := restarted.Recover(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
		assert.NotEqual(t, stale.ID, got.RoundID)

		abandoned, err := journal.Get(f.ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, rounds.StatusAbandoned, abandoned.Status)
		assert.NotNil(t, abandoned.ResolvedAt)

		pending, err := journal.Pending(f.ctx, f.stack.Lottery.Hex())
		require.NoError(t, err)
		assert.Equal(t, got.RoundID, pending.ID)
	})

	t.Run("nothing outstanding", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.Recover(f.ctx)
		assert.ErrorIs(t, err, lottery.ErrNothingOutstanding)
	})
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingNotifier) Publish(kind string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func TestNotifications(t *testing.T) {
	n := &recordingNotifier{}
	f := newFixture(t, lottery.WithNotifier(n))
	req := f.calculating(t)
	_, err := f.orch.Resolve(f.ctx, req, f.sim)
	require.NoError(t, err)

	assert.Equal(t, []string{
		lottery.KindRoundStarted,
		lottery.KindPlayerEntered,
		lottery.KindPlayerEntered,
		lottery.KindPlayerEntered,
		lottery.KindRandomnessRequested,
		lottery.KindWinnerPicked,
	}, n.kinds)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	snap, err := f.orch.Snapshot(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "OPEN", snap.State)
	assert.Equal(t, f.players, snap.Players)
	assert.Equal(t, f.fee.String(), snap.EntranceFee)
	assert.Equal(t, new(big.Int).Mul(f.fee, big.NewInt(3)).String(), snap.Balance)
	assert.Equal(t, common.Address{}, snap.RecentWinner)
}

// brokenClient fails every submission with a transport error.
type brokenClient struct {
	chain.Client
	err error
}

func (b *brokenClient) SendTransaction(ctx context.Context, tx chain.TxRequest) (common.Hash, error) {
	return common.Hash{}, b.err
}

func TestTransportFailurePropagatesUnchanged(t *testing.T) {
	f := newFixture(t)
	transport := &chain.TxError{Op: "send_transaction", Err: io.ErrUnexpectedEOF}
	orch := lottery.New(&brokenClient{Client: f.chain, err: transport}, f.stack.Lottery)

	err := orch.StartLottery(f.ctx, f.owner)
	require.Error(t, err)
	assert.Same(t, transport, err)
	assert.ErrorIs(t, err, chain.ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, lottery.ErrRejectedByContract)
	assert.Equal(t, lottery.StateClosed, f.state(t))
}

func TestClassify(t *testing.T) {
	revert := &chain.RevertError{Reason: lottery.ReasonNotOpen}
	err := lottery.Classify("enter", revert)
	assert.ErrorIs(t, err, lottery.ErrRejectedByContract)
	var re *chain.RevertError
	require.ErrorAs(t, err, &re)
	assert.Same(t, revert, re)

	unknown := lottery.Classify("fulfill", &chain.RevertError{Reason: lottery.ReasonUnknownRequest})
	assert.ErrorIs(t, unknown, lottery.ErrUnknownRequest)
	assert.NotErrorIs(t, unknown, lottery.ErrRejectedByContract)

	// Already classified errors are not wrapped twice.
	assert.Same(t, err, lottery.Classify("again", err))

	plain := errors.New("boom")
	assert.Same(t, plain, lottery.Classify("x", plain))
	assert.NoError(t, lottery.Classify("x", nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "OPEN", lottery.StateOpen.String())
	assert.Equal(t, "CLOSED", lottery.StateClosed.String())
	assert.Equal(t, "CALCULATING", lottery.StateCalculating.String())
	assert.Equal(t, "State(9)", lottery.State(9).String())
}
