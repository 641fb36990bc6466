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
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/comicforge/comicforge/internal/audit"
	"github.com/comicforge/comicforge/internal/auth"
	"github.com/comicforge/comicforge/internal/billing"
	"github.com/comicforge/comicforge/internal/config"
	"github.com/comicforge/comicforge/internal/entitlement"
	"github.com/comicforge/comicforge/internal/generation"
	"github.com/comicforge/comicforge/internal/health"
	"github.com/comicforge/comicforge/internal/identity"
	"github.com/comicforge/comicforge/internal/logging"
	"github.com/comicforge/comicforge/internal/metrics"
	"github.com/comicforge/comicforge/internal/plan"
	"github.com/comicforge/comicforge/internal/quota"
	"github.com/comicforge/comicforge/internal/ratelimit"
	"github.com/comicforge/comicforge/internal/realtime"
	"github.com/comicforge/comicforge/internal/security"
	"github.com/comicforge/comicforge/internal/traces"
	"github.com/comicforge/comicforge/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	identity        *identity.Service
	authMgr         *auth.Manager
	checker         *entitlement.Checker
	generationSvc   *generation.Service
	generationTimer *generation.Timer
	runner          generation.Runner
	billingSvc      *billing.Service
	auditLog        audit.Logger
	realtimeHub     *realtime.Hub
	notifier        *realtime.Notifier
	healthReg       *health.Registry
	rateLimiter     *ratelimit.Limiter
	redis           *redis.Client // nil if tier caching disabled
	db              *sql.DB       // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	tracesShutdown  func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

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

// WithRunner sets a custom generation runner (for testing)
func WithRunner(r generation.Runner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set runner/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		userStore  identity.Store
		quotaStore quota.Store
		genStore   generation.Store
		custStore  billing.CustomerStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.healthReg.Register("database", health.DatabaseChecker(db))

		// API keys with Postgres
		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		// Users with Postgres
		userPG := identity.NewPostgresStore(db)
		if err := userPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate identity store", "error", err)
		}
		userStore = userPG

		// Quota windows with Postgres
		quotaPG := quota.NewPostgresStore(db)
		if err := quotaPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate quota store", "error", err)
		}
		quotaStore = quotaPG

		// Generation sessions with Postgres
		genPG := generation.NewPostgresStore(db)
		if err := genPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate generation store", "error", err)
		}
		genStore = genPG

		// Billing customers with Postgres
		custPG := billing.NewPostgresCustomerStore(db)
		if err := custPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate billing store", "error", err)
		}
		custStore = custPG

		// Audit trail with Postgres
		auditPG := audit.NewPostgresLogger(db)
		if err := auditPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		s.auditLog = auditPG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		userStore = identity.NewMemoryStore()
		quotaStore = quota.NewMemoryStore()
		genStore = generation.NewMemoryStore()
		custStore = billing.NewMemoryCustomerStore()
		s.auditLog = audit.NewMemoryLogger()
	}

	// Redis-backed tier cache (optional)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.logger.Warn("invalid REDIS_URL, tier caching disabled", "error", err)
		} else {
			s.redis = redis.NewClient(redisOpts)
			s.logger.Info("tier caching enabled")
		}
	}

	s.identity = identity.NewService(userStore, s.redis).WithLogger(s.logger)
	s.checker = entitlement.NewChecker(quotaStore)

	// Realtime hub + notifier (fans session lifecycle out to WS and audit)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = realtime.NewNotifier(s.realtimeHub, s.auditLog, s.logger)
	s.logger.Info("realtime streaming enabled")

	// Generation pipeline. The stub runner simulates rendering until the
	// real pipeline is attached via WithRunner.
	if s.runner == nil {
		s.runner = &generation.StubRunner{}
	}
	s.generationSvc = generation.NewService(
		genStore,
		s.checker,
		s.identity,
		s.runner,
		s.notifier,
		s.logger,
		cfg.GenerationTimeout,
	)
	s.generationTimer = generation.NewTimer(s.generationSvc, cfg.SweepInterval, s.logger)
	s.logger.Info("generation pipeline enabled",
		"timeout", cfg.GenerationTimeout, "sweep_interval", cfg.SweepInterval)

	// Billing (optional, requires Stripe credentials)
	if cfg.BillingEnabled() {
		s.billingSvc = billing.NewService(custStore, s.identity, billing.Options{
			SecretKey:     cfg.StripeSecretKey,
			PricePro:      cfg.StripePricePro,
			PriceCreative: cfg.StripePriceCreative,
			SuccessURL:    cfg.CheckoutSuccessURL,
			CancelURL:     cfg.CheckoutCancelURL,
		}, s.logger).WithEvents(s.notifier)
		s.logger.Info("billing enabled")
	} else {
		s.logger.Info("billing disabled (no STRIPE_SECRET_KEY)")
	}

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

	// API key resolution runs before rate limiting so authenticated traffic
	// is limited per user rather than per source IP
	s.router.Use(auth.Middleware(s.authMgr))

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time session streaming. Requires auth: the hub
	// scopes every connection to the authenticated user.
	s.router.GET("/ws", func(c *gin.Context) {
		userID := auth.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required for streaming",
			})
			return
		}
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID)
	})

	// Stripe webhook (signature-verified, must stay outside API key auth)
	if s.billingSvc != nil {
		billingHandler := billing.NewHandler(s.billingSvc, s.cfg.StripeWebhookSecret)
		billingHandler.RegisterWebhookRoutes(s.router)
	}

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate resource ID URL params on all v1 routes (no-op when absent)
	v1.Use(validation.IDParamMiddleware("sessionId"))
	v1.Use(validation.IDParamMiddleware("keyId"))

	// PUBLIC ROUTES (no auth required)
	v1.GET("/plans", s.plansHandler)

	// REGISTRATION (public but returns API key)
	v1.POST("/users", s.registerUserWithAPIKey)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		protected.GET("/users/me", s.currentUserHandler)

		// Generation sessions
		generation.NewHandler(s.generationSvc).RegisterRoutes(protected)

		// Usage reporting
		entitlement.NewHandler(s.checker, s.identity).RegisterRoutes(protected)

		// Audit trail (caller's own events)
		audit.NewHandler(s.auditLog).RegisterRoutes(protected)

		// API key management
		auth.NewHandler(s.authMgr).RegisterRoutes(protected)

		// Plan upgrades
		if s.billingSvc != nil {
			billingHandler := billing.NewHandler(s.billingSvc, s.cfg.StripeWebhookSecret)
			billingHandler.RegisterRoutes(protected)
		}
	}
}

// registerUserWithAPIKey handles POST /v1/users
// This wraps account creation to also generate and return an API key
func (s *Server) registerUserWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	// Parse request
	var req struct {
		Email string `json:"email" binding:"required"`
		Name  string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEmail(req.Email) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "email must be a valid address",
		})
		return
	}

	req.Name = validation.SanitizeString(req.Name, 200)

	user, err := s.identity.Register(ctx, req.Email, req.Name)
	if err != nil {
		if errors.Is(err, identity.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "email_taken",
				"message": "An account with this email is already registered",
			})
			return
		}
		s.logger.Error("failed to register user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register user",
		})
		return
	}

	// Generate API key for the new user
	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, user.ID, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		// User was created but key generation failed
		// Still return success but note the issue
		c.JSON(http.StatusCreated, gin.H{
			"user":    user,
			"warning": "Account registered but API key generation failed. Contact support.",
		})
		return
	}

	s.recordRegistration(user, logging.RequestID(ctx))

	s.logger.Info("user registered with API key",
		"user_id", user.ID,
		"tier", user.Tier,
		"keyId", keyInfo.ID,
	)

	// Return user and API key
	c.JSON(http.StatusCreated, gin.H{
		"user":    user,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// recordRegistration writes the registration audit event (fire and forget)
func (s *Server) recordRegistration(user *identity.User, requestID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.auditLog.Log(ctx, &audit.Event{
			UserID:    user.ID,
			Action:    audit.ActionUserRegistered,
			Detail:    map[string]string{"tier": string(user.Tier)},
			RequestID: requestID,
		})
		if err != nil {
			s.logger.Warn("failed to audit registration", "user_id", user.ID, "error", err)
		}
	}()
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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
		"name":        "Comicforge",
		"description": "Comic generation backend with plan-based quotas",
		"version":     "0.1.0",
	})
}

// plansHandler returns the plan catalogue in tier order
func (s *Server) plansHandler(c *gin.Context) {
	tiers := []plan.Tier{plan.TierFree, plan.TierPro, plan.TierCreative}
	plans := make([]plan.Entitlement, 0, len(tiers))
	for _, t := range tiers {
		plans = append(plans, plan.EntitlementFor(t))
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) currentUserHandler(c *gin.Context) {
	user, err := s.identity.Get(c.Request.Context(), auth.UserID(c))
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "User not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load user",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Initialize tracing (no-op without an OTLP endpoint)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start stuck-session sweep timer
	go s.generationTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, sweep timer)
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

	// Stop sweep timer
	s.generationTimer.Stop()
	s.logger.Info("sweep timer stopped")

	// Let in-flight generation goroutines resolve their sessions
	s.generationSvc.Wait()
	s.logger.Info("generation pipeline drained")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close Redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
