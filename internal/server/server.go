// Package server sets up the HTTP server with all routes
package server

import (
	"compress/gzip"
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/alancoin-webhooks/internal/auth"
	"github.com/mbd888/alancoin-webhooks/internal/config"
	"github.com/mbd888/alancoin-webhooks/internal/health"
	"github.com/mbd888/alancoin-webhooks/internal/logging"
	"github.com/mbd888/alancoin-webhooks/internal/metrics"
	"github.com/mbd888/alancoin-webhooks/internal/ratelimit"
	"github.com/mbd888/alancoin-webhooks/internal/security"
	"github.com/mbd888/alancoin-webhooks/internal/traces"
	"github.com/mbd888/alancoin-webhooks/internal/validation"
	"github.com/mbd888/alancoin-webhooks/internal/webhooks"
)

// dispatchDrainDeadline bounds how long Shutdown waits for the Dispatcher's
// worker pool to finish in-flight deliveries before forcing them closed.
const dispatchDrainDeadline = 15 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the webhook delivery engine's components:
// the Subscription Registry, Delivery Outbox, Event Router, Dispatcher, and
// Retry Scheduler (C1-C5).
type Server struct {
	cfg *config.Config

	db       *sql.DB // nil if using in-memory storage
	store    webhooks.Store
	outbox   webhooks.Outbox
	evRouter *webhooks.Router
	dispatch *webhooks.Dispatcher
	sched    *webhooks.Scheduler
	notifier *webhooks.Notifier
	feed     *webhooks.Feed

	authResolver *auth.Resolver
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels scheduler/feed/notifier goroutines started in Run
	dispatchCancel context.CancelFunc // cancels the Dispatcher's worker pool, held open past cancelRunCtx to drain
	tracerShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var baseStore webhooks.Store
	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pg := webhooks.NewPostgresStore(db)
		baseStore = pg
		s.outbox = pg
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := webhooks.NewMemoryStore()
		baseStore = mem
		s.outbox = webhooks.NewMemoryOutbox()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.logger.Warn("invalid REDIS_URL, subscription cache disabled", "error", err)
			s.store = baseStore
		} else {
			rdb := redis.NewClient(opt)
			s.store = webhooks.NewCachedStore(baseStore, rdb, s.logger)
			s.logger.Info("subscription read-through cache enabled")
		}
	} else {
		s.store = baseStore
	}

	if cfg.JWTSigningKey != "" {
		resolver, err := auth.NewResolver([]byte(cfg.JWTSigningKey), cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to build auth resolver: %w", err)
		}
		s.authResolver = resolver
	} else if cfg.IsProduction() {
		return nil, fmt.Errorf("JWT_SIGNING_KEY is required in production")
	} else {
		// Development convenience: a fixed, well-known key so local tooling
		// can mint tokens without a shared secret dance.
		resolver, err := auth.NewResolver([]byte("development-only-signing-key-do-not-use"), cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to build auth resolver: %w", err)
		}
		s.authResolver = resolver
		s.logger.Warn("JWT_SIGNING_KEY not set; using an insecure development key")
	}

	s.notifier = webhooks.NewNotifier(webhooks.NotifierConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, s.logger)

	s.feed = webhooks.NewFeed(s.logger)

	s.dispatch = webhooks.NewDispatcher(
		s.store, s.outbox, cfg.DispatcherWorkers, cfg.DispatchTimeout, s.logger,
		webhooks.WithNotifier(s.notifier), webhooks.WithFeed(s.feed),
	)

	s.evRouter = webhooks.NewRouter(s.store, s.outbox, s.dispatch.Channel(), s.logger)

	stuckAfter := time.Duration(cfg.StuckClaimMultiplier) * cfg.DispatchTimeout
	s.sched = webhooks.NewScheduler(s.outbox, s.dispatch, cfg.SchedulerInterval, cfg.SchedulerBatchSize, stuckAfter, s.logger)

	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("scheduler", func(ctx context.Context) health.Status {
		if !s.sched.Running() {
			return health.Status{Name: "scheduler", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "scheduler", Healthy: true}
	})

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())

	// Resolve the bearer token's Principal on every request (never aborts);
	// individual routes opt into auth.RequireAuth.
	s.router.Use(auth.Middleware(s.authResolver))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.RequestTimeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// Stub ingress for local testing; real lifecycle events normally arrive
	// via an SMS provider adapter calling Router.Emit directly in-process.
	s.router.POST("/internal/events", s.ingestEventHandler)

	protected := s.router.Group("")
	protected.Use(auth.RequireAuth())
	{
		webhookHandler := webhooks.NewHandler(s.store, s.outbox, s.dispatch, s.feed)
		webhookHandler.RegisterRoutes(protected)
	}
}

// ingestEventRequest is the body for the local-testing event ingress.
type ingestEventRequest struct {
	TenantID          string             `json:"tenant_id" binding:"required"`
	EventType         webhooks.EventType `json:"event_type" binding:"required"`
	SourceEventID     string             `json:"source_event_id"`
	Recipient         string             `json:"recipient"`
	Provider          string             `json:"provider"`
	ProviderMessageID string             `json:"provider_message_id"`
	Cost              string             `json:"cost"`
	Currency          string             `json:"currency"`
	ErrorReason       string             `json:"error_reason"`
	ErrorCode         string             `json:"error_code"`
}

func (s *Server) ingestEventHandler(c *gin.Context) {
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !webhooks.ValidEventType(req.EventType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown event_type"})
		return
	}

	event := webhooks.LifecycleEvent{
		TenantID:          req.TenantID,
		SourceEventID:     req.SourceEventID,
		EventType:         req.EventType,
		Recipient:         req.Recipient,
		Provider:          req.Provider,
		ProviderMessageID: req.ProviderMessageID,
		Cost:              req.Cost,
		Currency:          req.Currency,
		ErrorReason:       req.ErrorReason,
		ErrorCode:         req.ErrorCode,
	}

	if err := s.evRouter.Emit(c.Request.Context(), req.TenantID, req.EventType, event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

	healthy, checks := s.healthReg.CheckAll(c.Request.Context())
	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "alancoin-webhooks",
		"description": "Multi-tenant SMS webhook delivery engine",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Run / Shutdown
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the Dispatcher pool, the Retry Scheduler, the
// live feed hub, and the failure notifier, then blocks until a shutdown
// signal, context cancellation, or fatal server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// The Dispatcher gets its own cancellation, independent of runCtx, so
	// Shutdown can stop the scheduler/feed/notifier immediately while still
	// giving in-flight deliveries their drain window.
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	s.dispatchCancel = dispatchCancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.dispatch.Run(dispatchCtx)
	go s.sched.Start(runCtx)
	go s.feed.Run(runCtx)
	go s.notifier.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server: it cancels background goroutines,
// shuts down the HTTP server, drains in-flight dispatch up to the deadline,
// and stops the rate limiter's cleanup loop.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the scheduler/feed/notifier right away; none of them have
	// in-flight work worth waiting on.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Give the Dispatcher's worker pool up to the drain deadline to finish
	// deliveries already in flight before forcing their context closed.
	// TODO: track an active-delivery counter so this can return as soon as
	// the pool is idle instead of always waiting out the full deadline.
	if s.dispatchCancel != nil {
		time.Sleep(dispatchDrainDeadline)
		s.dispatchCancel()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.sched != nil {
		s.sched.Stop()
		s.logger.Info("retry scheduler stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		} else {
			s.logger.Info("tracer shutdown complete")
		}
	}

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

// appendDSNParams adds connect_timeout and statement_timeout to a PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
