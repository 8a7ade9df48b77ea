// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/viewlock/viewlock/internal/chain"
	"github.com/viewlock/viewlock/internal/circuitbreaker"
	"github.com/viewlock/viewlock/internal/config"
	"github.com/viewlock/viewlock/internal/custody"
	"github.com/viewlock/viewlock/internal/gate"
	"github.com/viewlock/viewlock/internal/grants"
	"github.com/viewlock/viewlock/internal/health"
	"github.com/viewlock/viewlock/internal/logging"
	"github.com/viewlock/viewlock/internal/metrics"
	"github.com/viewlock/viewlock/internal/payments"
	"github.com/viewlock/viewlock/internal/ratelimit"
	"github.com/viewlock/viewlock/internal/realtime"
	"github.com/viewlock/viewlock/internal/reconciliation"
	"github.com/viewlock/viewlock/internal/resources"
	"github.com/viewlock/viewlock/internal/security"
	"github.com/viewlock/viewlock/internal/session"
	"github.com/viewlock/viewlock/internal/settlement"
	"github.com/viewlock/viewlock/internal/traces"
	"github.com/viewlock/viewlock/internal/validation"
	"github.com/viewlock/viewlock/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	network chain.Network

	sessionStore session.Store
	payStore     payments.Store
	grantStore   grants.Store
	catalog      resources.Store

	sessions *session.Manager
	ledger   *session.Ledger
	engine   *settlement.Engine
	gate     *gate.Gate

	sessionHandler  *session.Handler
	paymentHandler  *payments.Handler
	resourceHandler *resources.Handler

	sessionTimer   *session.Timer
	reconcileTimer *reconciliation.Timer
	reconciler     *reconciliation.Runner
	approvals      *watcher.Watcher
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry

	router  *gin.Engine
	httpSrv *http.Server

	// cancelRunCtx stops all background goroutines started by Run
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	// skipWatcher disables the on-chain approval watcher (tests inject
	// a fake network and have no RPC endpoint to poll)
	skipWatcher bool

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

// WithNetwork injects a settlement network, bypassing the RPC dial.
// The approval watcher is disabled since it needs a real endpoint.
func WithNetwork(n chain.Network) Option {
	return func(s *Server) {
		s.network = n
		s.skipWatcher = true
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set network/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Settlement network (EVM unless a test injected one), behind a
	// circuit breaker so a dead RPC endpoint fails fast instead of
	// stalling every purchase.
	if s.network == nil {
		evm, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			FacilitatorKey: cfg.FacilitatorKey,
			ChainID:        cfg.ChainID,
			TokenContract:  cfg.USDCContract,
			Disburser:      cfg.DisburserContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect settlement network: %w", err)
		}
		s.network = chain.WithBreaker(evm, circuitbreaker.New(5, 30*time.Second))
	}

	// Custody keeper for delegate keys
	keeper, err := custody.NewKeeperFromHex(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize custody keeper: %w", err)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.sessionStore = session.NewPostgresStore(db)
		s.payStore = payments.NewPostgresStore(db)
		s.grantStore = grants.NewPostgresStore(db)
		s.catalog = resources.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.sessionStore = session.NewMemoryStore()
		s.payStore = payments.NewMemoryStore()
		s.grantStore = grants.NewMemoryStore()
		s.catalog = resources.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	// Pending-session cache (Redis if REDIS_ADDR set, otherwise local)
	var pending session.PendingCache
	if cfg.RedisAddr != "" {
		cache, err := session.NewRedisPendingCache(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		pending = cache
		s.logger.Info("using Redis pending-session cache", "addr", cfg.RedisAddr)
	} else {
		pending = session.NewMemoryPendingCache()
	}

	// Session lifecycle
	var managerOpts []session.ManagerOption
	if ttl, err := time.ParseDuration(cfg.SessionTTL); err == nil {
		managerOpts = append(managerOpts, session.WithDefaultTTL(ttl))
	}
	s.sessions = session.NewManager(s.sessionStore, keeper, s.network, pending, managerOpts...)
	s.ledger = session.NewLedger(s.sessionStore)
	s.sessionHandler = session.NewHandler(s.sessions, s.ledger)
	s.sessionTimer = session.NewTimer(s.sessions, s.logger)

	// Realtime event hub
	s.realtimeHub = realtime.NewHub(s.logger)

	// Settlement engine; purchases reach it through the gate, which
	// also emits settlement events to websocket subscribers
	s.engine = settlement.NewEngine(s.sessions, s.ledger, s.payStore,
		s.network, cfg.FeeSplitBps, cfg.FeeRecipient)
	settler := &broadcastSettler{engine: s.engine, hub: s.realtimeHub}

	// 402 access gate over the resource catalog
	s.gate = gate.New(settler, s.sessions, s.catalog, s.grantStore,
		cfg.FeeSplitBps, cfg.FeeRecipient, gate.WithMaxPayment(cfg.MaxPayment))

	s.paymentHandler = payments.NewHandler(s.payStore)
	s.resourceHandler = resources.NewHandler(s.catalog)

	// Ledger reconciliation
	s.reconciler = reconciliation.NewRunner(
		reconciliation.NewService(s.sessionStore, s.payStore))
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger)

	// On-chain approval watcher confirms pending sessions when the
	// owner's allowance lands
	if !s.skipWatcher {
		wcfg := watcher.DefaultConfig()
		wcfg.RPCURL = cfg.RPCURL
		wcfg.USDCContract = common.HexToAddress(cfg.USDCContract)
		wcfg.DisburserContract = common.HexToAddress(cfg.DisburserContract)
		w, err := watcher.New(wcfg, &watcherActivator{manager: s.sessions, hub: s.realtimeHub}, s.logger)
		if err != nil {
			s.logger.Error("failed to create approval watcher", "error", err)
		} else {
			s.approvals = w
		}
	}

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("rpc", s.rpcCheck)
	if s.db != nil {
		s.checks.Register("database", s.databaseCheck)
	}

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// watcherActivator adapts the session manager to the watcher's
// error-only activation interface and announces confirmations to
// websocket subscribers.
type watcherActivator struct {
	manager *session.Manager
	hub     *realtime.Hub
}

func (a *watcherActivator) ConfirmByOwner(ctx context.Context, owner, approvalRef string, approvedAmount *big.Int) error {
	s, err := a.manager.ConfirmByOwner(ctx, owner, approvalRef, approvedAmount)
	if err != nil {
		return err
	}
	a.hub.BroadcastSession(realtime.EventSessionConfirmed, map[string]interface{}{
		"sessionId": s.ID,
		"owner":     s.Owner,
		"approved":  s.Approved,
	})
	return nil
}

// broadcastSettler runs purchases through the engine and pushes
// verified settlements to websocket subscribers.
type broadcastSettler struct {
	engine *settlement.Engine
	hub    *realtime.Hub
}

func (b *broadcastSettler) Settle(ctx context.Context, req *settlement.Request) (*payments.Payment, error) {
	pay, err := b.engine.Settle(ctx, req)
	if err != nil {
		return nil, err
	}
	b.hub.BroadcastSettlement(map[string]interface{}{
		"paymentId":   pay.ID,
		"sessionId":   pay.SessionID,
		"owner":       pay.Owner,
		"payee":       pay.Payee,
		"resourceId":  pay.ResourceID,
		"amount":      pay.Amount,
		"payeeAmount": pay.PayeeAmount,
		"feeAmount":   pay.FeeAmount,
	})
	return pay, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlcfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlcfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlcfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlcfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuth guards operational endpoints with the shared admin secret.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
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

	// WebSocket for real-time settlement and session events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	s.sessionHandler.RegisterRoutes(v1)
	s.paymentHandler.RegisterRoutes(v1)
	s.resourceHandler.RegisterRoutes(v1)

	// The 402 gate: content is served only behind an access grant,
	// purchase is the proactive buy path
	v1.GET("/resources/:id/content", s.gate.Protect(), s.contentHandler)
	v1.POST("/resources/:id/purchase", s.gate.Purchase)

	// Admin endpoints
	admin := v1.Group("/admin")
	admin.Use(s.adminAuth())
	admin.POST("/reconciliation", s.reconcileHandler)
	admin.GET("/ws/stats", s.wsStatsHandler)
}

// contentHandler serves the resource body once the gate has attached an
// access grant to the request.
func (s *Server) contentHandler(c *gin.Context) {
	ctx := c.Request.Context()

	res, err := s.catalog.Get(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "resource_not_found",
			"message": "No resource with that ID",
		})
		return
	}

	grant := gate.GrantFromContext(c)
	if grant == nil {
		// Protect() aborts unpaid requests, so a missing grant here is
		// a wiring bug, not a caller error.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "No access grant on request",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"resource": res,
		"grant": gin.H{
			"id":        grant.ID,
			"grantedAt": grant.GrantedAt,
			"expiresAt": grant.ExpiresAt,
		},
	})
}

func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) wsStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) rpcCheck(ctx context.Context) health.Status {
	if _, err := s.network.OwnerBalance(ctx, s.cfg.FeeRecipient); err != nil {
		return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "rpc", Healthy: true}
}

func (s *Server) databaseCheck(ctx context.Context) health.Status {
	if err := s.db.PingContext(ctx); err != nil {
		return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "database", Healthy: true}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Viewlock",
		"description": "Delegated session payments for pay-per-view resources",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing (no-op when no collector endpoint is set)
	shutdownTraces, err := traces.Init(runCtx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start approval watcher
	if s.approvals != nil {
		if err := s.approvals.Start(runCtx); err != nil {
			s.logger.Error("failed to start approval watcher", "error", err)
		}
	}

	// Start session expiry sweeper
	if s.sessionTimer != nil {
		go s.sessionTimer.Start(runCtx)
	}

	// Start ledger reconciliation timer
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	// Sample pool stats and the active-session gauge
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	go s.collectSessionGauge(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// collectSessionGauge keeps the active-session gauge current.
func (s *Server) collectSessionGauge(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.sessions.CountActive(ctx); err == nil {
				metrics.ActiveSessions.Set(float64(n))
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop session expiry sweeper
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
		s.logger.Info("session timer stopped")
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop approval watcher
	if s.approvals != nil {
		s.approvals.Stop()
		s.logger.Info("approval watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close network connection
	if closer, ok := s.network.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("network close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
