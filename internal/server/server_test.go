package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/deploy"
	"github.com/mbd888/lottery/internal/devchain/contracts"
	"github.com/mbd888/lottery/internal/health"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/ratelimit"
	"github.com/mbd888/lottery/internal/rounds"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a local-network config for testing
func testConfig() *config.Config {
	return &config.Config{
		Network:        "development",
		LocalNetworks:  []string{"development"},
		Port:           "0",
		LogLevel:       "error",
		LogFormat:      "text",
		EthUSDPrice:    config.DefaultEthUSDPrice,
		LinkFee:        config.DefaultLinkFee,
		LinkFundAmount: config.DefaultLinkFundAmount,
		KeyHash:        config.DefaultKeyHash,
		Randomness:     config.DefaultRandomness,
	}
}

type testEnv struct {
	srv     *Server
	client  chain.Client
	stack   *deploy.Stack
	owner   common.Address
	players []common.Address
}

// newTestServer deploys a lottery on a fresh dev chain and serves it with the
// oracle simulator. Extra options are applied after the defaults.
func newTestServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()

	c := contracts.NewChain()
	t.Cleanup(func() { _ = c.Close() })
	accounts, err := c.Accounts(ctx)
	require.NoError(t, err)

	d := &deploy.Deployer{Client: c, Artifacts: contracts.Source{}, Config: cfg}
	stack, err := d.DeployLottery(ctx, accounts[0])
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := lottery.New(c, stack.Lottery,
		lottery.WithJournal(rounds.NewMemoryStore()),
		lottery.WithLogger(logger),
		lottery.WithPollInterval(5*time.Millisecond),
	)

	opts = append([]Option{
		WithLogger(logger),
		WithOperator(accounts[0]),
		WithLinkToken(stack.LinkToken),
		WithFulfiller(d.Fulfiller(stack, accounts[0])),
		WithDrainDelay(0),
		WithRateLimit(ratelimit.Config{PerMinute: 6000, Burst: 1000, CleanupInterval: time.Minute}),
	}, opts...)
	s := New(cfg, c, orch, opts...)
	t.Cleanup(func() { s.rateLimiter.Stop() })

	return &testEnv{srv: s, client: c, stack: stack, owner: accounts[0], players: accounts[1:4]}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// openRound starts a round and enters every player at the entrance fee.
func (e *testEnv) openRound(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/v1/lottery/start", nil).Code)
	for _, p := range e.players {
		w := e.do(t, "POST", "/v1/lottery/enter", EnterRequest{From: p.Hex()})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/v1/lottery/fund", nil).Code)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "development", resp["network"])
	checks := resp["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "chain", checks[0].(map[string]any)["name"])
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	env := newTestServer(t, WithHealthCheck("database", func(context.Context) health.Status {
		return health.Status{Name: "database", Detail: "connection refused"}
	}))

	w := env.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestLivenessAndReadiness(t *testing.T) {
	env := newTestServer(t)

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "GET", "/health/ready", nil).Code)

	env.srv.ready.Store(true)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health/ready", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.do(t, "GET", "/v1/lottery", nil)

	w := env.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lottery_http_requests_total")
}

func TestMiddlewareHeaders(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/v1/info", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest("GET", "/v1/info", nil)
	req.Header.Set("X-Request-ID", "trace-1")
	rec := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "trace-1", rec.Header().Get("X-Request-ID"))

	preflight := env.do(t, "OPTIONS", "/v1/lottery/enter", nil)
	assert.Equal(t, http.StatusNoContent, preflight.Code)
	assert.Equal(t, "*", preflight.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

func TestInfoEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := decode(t, env.do(t, "GET", "/v1/info", nil))
	assert.Equal(t, env.stack.Lottery.Hex(), resp["lottery"])
	assert.Equal(t, env.owner.Hex(), resp["operator"])
	assert.Equal(t, "simulated", resp["oracle"])
}

func TestSnapshotEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := decode(t, env.do(t, "GET", "/v1/lottery", nil))
	assert.Equal(t, "CLOSED", resp["state"])
	assert.Equal(t, "25000000000000000", resp["entranceFee"])
	assert.Equal(t, "0", resp["balance"])
	assert.Empty(t, resp["players"])
}

func TestEntranceFeeEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := decode(t, env.do(t, "GET", "/v1/lottery/fee", nil))
	assert.Equal(t, "25000000000000000", resp["wei"])
	assert.Equal(t, "0.025", resp["ether"])
}

func TestRoundsEndpoints(t *testing.T) {
	env := newTestServer(t)

	resp := decode(t, env.do(t, "GET", "/v1/rounds", nil))
	assert.Equal(t, float64(0), resp["count"])
	assert.Equal(t, []any{}, resp["rounds"])

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/v1/rounds?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/v1/rounds?limit=ten", nil).Code)

	w := env.do(t, "GET", "/v1/rounds/rnd_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func TestRoundLifecycle(t *testing.T) {
	env := newTestServer(t)
	env.openRound(t)

	snap := decode(t, env.do(t, "GET", "/v1/lottery", nil))
	assert.Equal(t, "OPEN", snap["state"])
	assert.Len(t, snap["players"], 3)
	assert.Equal(t, "75000000000000000", snap["balance"])

	w := env.do(t, "POST", "/v1/lottery/end", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ended := decode(t, w)
	assert.Equal(t, "75000000000000000", ended["pot"])

	w = env.do(t, "POST", "/v1/lottery/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, ended["requestId"], out["requestId"])
	// 777 mod 3 = 0
	assert.Equal(t, env.players[0].Hex(), out["winner"])
	assert.Equal(t, float64(0), out["winnerIndex"])
	assert.Equal(t, "777", out["randomness"])

	snap = decode(t, env.do(t, "GET", "/v1/lottery", nil))
	assert.Equal(t, "CLOSED", snap["state"])
	assert.Equal(t, "0", snap["balance"])
	assert.Equal(t, strings.ToLower(env.players[0].Hex()), snap["recentWinner"])

	// The token is spent and the contract waits on nothing.
	w = env.do(t, "POST", "/v1/lottery/resolve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "nothing_outstanding", decode(t, w)["error"])

	list := decode(t, env.do(t, "GET", "/v1/rounds", nil))
	require.Equal(t, float64(1), list["count"])
	round := list["rounds"].([]any)[0].(map[string]any)
	assert.Equal(t, string(rounds.StatusResolved), round["status"])

	got := decode(t, env.do(t, "GET", "/v1/rounds/"+round["id"].(string), nil))
	assert.Equal(t, strings.ToLower(env.players[0].Hex()), got["winner"])
}

func TestDrawEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.openRound(t)

	w := env.do(t, "POST", "/v1/lottery/draw", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, env.players[0].Hex(), decode(t, w)["winner"])
}

func TestResolveRecoversAfterRestart(t *testing.T) {
	env := newTestServer(t)
	env.openRound(t)
	require.Equal(t, http.StatusAccepted, env.do(t, "POST", "/v1/lottery/end", nil).Code)

	// A restarted server has no token in memory.
	env.srv.pending = nil

	w := env.do(t, "POST", "/v1/lottery/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, env.players[0].Hex(), decode(t, w)["winner"])
}

func TestActionRejections(t *testing.T) {
	env := newTestServer(t)

	// Entering a CLOSED lottery
	w := env.do(t, "POST", "/v1/lottery/enter", EnterRequest{From: env.players[0].Hex()})
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "rejected_by_contract", resp["error"])
	assert.Equal(t, "lottery not open", resp["reason"])

	require.Equal(t, http.StatusOK, env.do(t, "POST", "/v1/lottery/start", nil).Code)

	// Starting twice
	w = env.do(t, "POST", "/v1/lottery/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "can't start a new lottery yet", decode(t, w)["reason"])

	// Underpaying
	w = env.do(t, "POST", "/v1/lottery/enter", EnterRequest{From: env.players[0].Hex(), Value: "0.01"})
	assert.Equal(t, "not enough ETH", decode(t, w)["reason"])

	// Ending without players
	w = env.do(t, "POST", "/v1/lottery/end", nil)
	assert.Equal(t, "no players", decode(t, w)["reason"])
}

func TestEnterValidation(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing from", map[string]string{"value": "1"}, "invalid_request"},
		{"bad address", EnterRequest{From: "alice"}, "invalid_address"},
		{"bad value", EnterRequest{From: env.players[0].Hex(), Value: "lots"}, "invalid_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/v1/lottery/enter", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["error"])
		})
	}

	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/v1/lottery/start", nil).Code)
	w := env.do(t, "POST", "/v1/lottery/enter", EnterRequest{From: unknown.Hex()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_account", decode(t, w)["error"])
}

func TestFundEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := decode(t, env.do(t, "POST", "/v1/lottery/fund", nil))
	assert.Equal(t, "100000000000000000", resp["transferred"])
	assert.NotEmpty(t, resp["txHash"])

	resp = decode(t, env.do(t, "POST", "/v1/lottery/fund", nil))
	assert.Equal(t, "0", resp["transferred"], "already funded")
	assert.NotContains(t, resp, "txHash")
}

func TestActionsDisabledWithoutOperator(t *testing.T) {
	env := newTestServer(t, WithOperator(common.Address{}))

	w := env.do(t, "POST", "/v1/lottery/start", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "actions_disabled", decode(t, w)["error"])
}

func TestActionsRateLimited(t *testing.T) {
	env := newTestServer(t, WithRateLimit(ratelimit.DefaultConfig()))

	codes := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		codes = append(codes, env.do(t, "POST", "/v1/lottery/fund", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, codes[len(codes)-1])
	// Reads are never limited
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/v1/lottery", nil).Code)
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown request", lottery.Classify("fulfill", &chain.RevertError{Reason: lottery.ReasonUnknownRequest}), http.StatusConflict, "unknown_request"},
		{"revert", lottery.Classify("enter", &chain.RevertError{Reason: "not enough ETH"}), http.StatusConflict, "rejected_by_contract"},
		{"transport", &chain.TxError{Op: "send", Err: errors.New("connection reset")}, http.StatusBadGateway, "transport_failure"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest("GET", "/", nil)

			writeError(c, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp["error"])
		})
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	require.Eventually(t, env.srv.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, env.srv.ready.Load())
}

func TestOutcomeResponse(t *testing.T) {
	out := newOutcomeResponse(&lottery.Outcome{
		RequestID:   [32]byte{1},
		Winner:      common.HexToAddress("0x01"),
		WinnerIndex: 2,
		Randomness:  big.NewInt(779),
		Pot:         big.NewInt(3),
		Players:     []common.Address{{1}, {2}, {3}},
	})
	assert.Equal(t, "0x0100000000000000000000000000000000000000000000000000000000000000", out.RequestID)
	assert.Equal(t, "779", out.Randomness)
	assert.Len(t, out.Players, 3)
}
