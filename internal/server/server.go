// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tonguard/tonguard/internal/audit"
	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/config"
	"github.com/tonguard/tonguard/internal/custody"
	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/keymgmt"
	"github.com/tonguard/tonguard/internal/logging"
	"github.com/tonguard/tonguard/internal/metrics"
	"github.com/tonguard/tonguard/internal/policy"
	"github.com/tonguard/tonguard/internal/ratelimit"
	"github.com/tonguard/tonguard/internal/risk"
	"github.com/tonguard/tonguard/internal/security"
	"github.com/tonguard/tonguard/internal/strategy"
	"github.com/tonguard/tonguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	bus         *events.Bus
	hub         *events.Hub
	keys        keymgmt.Service
	engine      *authz.Engine
	riskEngine  *risk.Engine
	custody     *custody.Factory
	strategies  strategy.Store
	policies    policy.Store
	usage       *policy.UsageTracker
	auditStore  audit.Store
	recorder    *audit.Recorder
	secMgr      *security.Manager
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithKeyService sets a custom key management service (for testing)
func WithKeyService(keys keymgmt.Service) Option {
	return func(s *Server) {
		s.keys = keys
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set keys/logger)
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus(s.logger)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var riskStore risk.Store
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
		s.strategies = strategy.NewPostgresStore(db)
		s.policies = policy.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.strategies = strategy.NewMemoryStore()
		s.policies = policy.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Key management (simulated unless injected)
	if s.keys == nil {
		s.keys = keymgmt.NewSimulated(s.bus)
	}

	// Risk engine with sliding behavioral windows
	s.riskEngine = risk.NewEngine(riskStore)

	// Rolling spend tracker for stored policy limits
	s.usage = policy.NewUsageTracker()

	// Authorization engine
	engineCfg := authz.DefaultConfig()
	engineCfg.MaxLatency = time.Duration(cfg.MaxAuthLatencyMs) * time.Millisecond
	engineCfg.RequireMultiSigAbove = cfg.RequireMultiSigAbove
	s.engine = authz.NewEngine(s.strategies,
		authz.WithConfig(engineCfg),
		authz.WithBus(s.bus),
	)

	// Custody providers share one wallet store behind the factory
	s.custody = custody.NewFactory(s.keys, s.bus, s.logger,
		custody.WithThreshold(cfg.MPCThreshold, cfg.MPCTotalShares),
	)

	// Audit trail fed from the event bus
	s.recorder = audit.NewRecorder(s.bus, s.auditStore, s.logger)

	// Security manager aggregates subsystem health
	s.secMgr = security.NewManager(s.engine, s.custody, s.keys, s.logger)

	// Event hub for WebSocket streaming
	s.hub = events.NewHub(s.bus, s.logger)

	// Configure gin
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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = idgen.WithPrefix("req_")
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	{
		// Authorization pipeline
		v1.POST("/authorize", s.authorizeHandler)
		v1.POST("/authorize/layers/:layer", s.layerProbeHandler)

		// Custody wallets
		v1.POST("/wallets", s.createWalletHandler)
		v1.GET("/wallets", s.listWalletsHandler)
		v1.GET("/wallets/:id", s.getWalletHandler)
		v1.POST("/wallets/:id/link", s.linkAddressHandler)
		v1.PUT("/wallets/:id/permissions", s.updatePermissionsHandler)
		v1.POST("/wallets/:id/revoke", s.revokeHandler)
		v1.POST("/wallets/:id/prepare", s.prepareHandler)

		// Signing flow
		v1.POST("/transactions/:id/sign", s.signHandler)
		v1.GET("/transactions/:id", s.getPreparedHandler)

		// Recovery flow
		v1.POST("/wallets/:id/recovery", s.initiateRecoveryHandler)
		v1.POST("/recovery/:id/steps", s.recoveryStepHandler)
		v1.POST("/recovery/:id/complete", s.completeRecoveryHandler)

		// User policies (permissions and limits applied when the caller
		// supplies no inline authorization context)
		v1.POST("/policies", s.createPolicyHandler)
		v1.GET("/policies", s.listPoliciesHandler)
		v1.GET("/policies/:id", s.getPolicyHandler)
		v1.PUT("/policies/:id", s.updatePolicyHandler)
		v1.DELETE("/policies/:id", s.deletePolicyHandler)

		// Trading strategies
		v1.POST("/strategies", s.createStrategyHandler)
		v1.GET("/strategies", s.listStrategiesHandler)
		v1.GET("/strategies/:id", s.getStrategyHandler)
		v1.PUT("/strategies/:id", s.updateStrategyHandler)
		v1.DELETE("/strategies/:id", s.deleteStrategyHandler)

		// Audit trail
		v1.GET("/audit/authorizations", s.listAuthorizationsHandler)
		v1.GET("/audit/authorizations/:id", s.getAuthorizationHandler)
		v1.GET("/audit/events", s.listEventsHandler)

		// Event stream stats
		v1.GET("/events/stats", s.eventStatsHandler)

		// Admin (requires ADMIN_SECRET)
		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/config", s.getConfigHandler)
			admin.PUT("/config", s.updateConfigHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Components []security.ComponentHealth `json:"components,omitempty"`
	Timestamp  string                     `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := s.secMgr.Health(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !report.Healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:     status,
		Version:    "0.1.0",
		Components: report.Components,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
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
		"name":        "TONGuard",
		"description": "Transaction security boundary for AI trading agents on TON",
		"version":     "0.1.0",
		"chain":       "ton-mainnet",
	})
}

func (s *Server) eventStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	// Start event hub
	go s.hub.Run(runCtx)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (event hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop the audit recorder, then drain the bus
	if s.recorder != nil {
		s.recorder.Close()
		s.logger.Info("audit recorder stopped")
	}
	if s.bus != nil {
		s.bus.Close()
		s.logger.Info("event bus closed")
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
