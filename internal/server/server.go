// Package server exposes a lottery contract over HTTP: its observable state,
// the round journal, health, Prometheus metrics, a websocket event stream and
// operator actions that drive the round lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/lottery/internal/chain"
	"github.com/mbd888/lottery/internal/config"
	"github.com/mbd888/lottery/internal/health"
	"github.com/mbd888/lottery/internal/logging"
	"github.com/mbd888/lottery/internal/lottery"
	"github.com/mbd888/lottery/internal/metrics"
	"github.com/mbd888/lottery/internal/ratelimit"
	"github.com/mbd888/lottery/internal/realtime"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	client       chain.Client
	lottery      *lottery.Orchestrator
	fulfiller    lottery.Fulfiller
	operator     common.Address
	linkToken    common.Address
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimit    ratelimit.Config
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// The randomness request awaiting resolution, if this process ended the
	// round or recovered it.
	mu      sync.Mutex
	pending *lottery.Request

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHub streams events through hub. The orchestrator should publish to the
// same hub.
func WithHub(hub *realtime.Hub) Option {
	return func(s *Server) {
		s.realtimeHub = hub
	}
}

// WithOperator enables the action endpoints, signing as operator. Start and
// end must be sent by the lottery owner.
func WithOperator(operator common.Address) Option {
	return func(s *Server) {
		s.operator = operator
	}
}

// WithLinkToken enables the fund action, which tops up the lottery's LINK
// from the operator's balance.
func WithLinkToken(token common.Address) Option {
	return func(s *Server) {
		s.linkToken = token
	}
}

// WithFulfiller resolves randomness requests through f. Without one the
// server waits for the network's oracle.
func WithFulfiller(f lottery.Fulfiller) Option {
	return func(s *Server) {
		s.fulfiller = f
	}
}

// WithHealthCheck registers an extra /health checker.
func WithHealthCheck(name string, check health.Checker) Option {
	return func(s *Server) {
		s.health.Register(name, check)
	}
}

// WithRateLimit overrides the action rate limit.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.rateLimit = cfg
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a server for the lottery driven by orch.
func New(cfg *config.Config, client chain.Client, orch *lottery.Orchestrator, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		client:     client,
		lottery:    orch,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
		rateLimit:  ratelimit.DefaultConfig(),
	}
	s.health.Register("chain", health.Chain(client))

	for _, opt := range opts {
		opt(s)
	}
	if s.realtimeHub == nil {
		s.realtimeHub = realtime.NewHub(s.logger)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for round events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		v1.GET("/info", s.infoHandler)
		v1.GET("/lottery", s.snapshotHandler)
		v1.GET("/lottery/fee", s.entranceFeeHandler)
		v1.GET("/rounds", s.listRoundsHandler)
		v1.GET("/rounds/:id", s.getRoundHandler)
		v1.GET("/stats", s.statsHandler)
	}

	// Actions send transactions from the operator's account
	s.rateLimiter = ratelimit.New(s.rateLimit)
	actions := v1.Group("/lottery", s.requireOperator(), s.rateLimiter.Middleware(ratelimit.ByClientIP))
	{
		actions.POST("/start", s.startHandler)
		actions.POST("/enter", s.enterHandler)
		actions.POST("/fund", s.fundHandler)
		actions.POST("/end", s.endHandler)
		actions.POST("/resolve", s.resolveHandler)
		actions.POST("/draw", s.drawHandler)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Network   string          `json:"network"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Network:   s.cfg.Network,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Draws on live networks wait for the oracle inside the request.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"lottery", s.lottery.Address().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	// Pick up a draw left outstanding by a previous process
	go func() {
		if _, err := s.pendingRequest(runCtx); err != nil && !errors.Is(err, lottery.ErrNothingOutstanding) {
			s.logger.Warn("recovery check failed", "error", err)
		}
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
