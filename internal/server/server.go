// Package server wires stores, services and timers behind the HTTP API.
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/health"
	"github.com/mbd888/gigescrow/internal/idempotency"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/ratelimit"
	"github.com/mbd888/gigescrow/internal/realtime"
	"github.com/mbd888/gigescrow/internal/reconciliation"
	"github.com/mbd888/gigescrow/internal/security"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/validation"
	"github.com/mbd888/gigescrow/internal/wallet"
	"github.com/mbd888/gigescrow/internal/webhooks"
	"github.com/mbd888/gigescrow/internal/withdrawals"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if using the in-process guard
	logger *slog.Logger

	gateway      gateway.Gateway
	eventParser  gateway.EventParser
	guarded      *gateway.Guarded
	guard        idempotency.Guard
	directory    *profiles.Directory
	journal      *ledger.Journal
	coordinator  *escrow.Coordinator
	walletLedger *wallet.Ledger
	processor    *withdrawals.Processor
	webhooks     *webhooks.Router
	drift        *reconciliation.Service
	realtimeHub  *realtime.Hub

	escrowTimer      *escrow.Timer
	withdrawalTimer  *withdrawals.Reconciler
	reconcileTimer   *reconciliation.Timer
	rateLimiter      *ratelimit.Limiter
	health           *health.Registry
	router           *gin.Engine
	httpSrv          *http.Server
	cancelRunCtx     context.CancelFunc // cancels background goroutines started in Run
	shutdownDeadline time.Duration

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

// WithGateway replaces the configured gateway adapter (tests, local runs).
func WithGateway(gw gateway.Gateway, parser gateway.EventParser) Option {
	return func(s *Server) {
		s.gateway = gw
		s.eventParser = parser
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:              cfg,
		logger:           logging.New(cfg.LogLevel, cfg.LogFormat),
		health:           health.NewRegistry(),
		shutdownDeadline: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupGateway(); err != nil {
		return nil, err
	}
	if err := s.setupGuard(ctx); err != nil {
		return nil, err
	}
	if err := s.setupServices(); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupGateway() error {
	if s.gateway == nil {
		if s.cfg.StripeSecretKey != "" {
			st, err := gateway.NewStripe(s.cfg.StripeSecretKey, s.cfg.StripeWebhookSecret, s.cfg.GatewayCurrency)
			if err != nil {
				return fmt.Errorf("stripe gateway: %w", err)
			}
			s.gateway, s.eventParser = st, st
			s.logger.Info("using Stripe gateway", "currency", s.cfg.GatewayCurrency)
		} else {
			secret := s.cfg.StripeWebhookSecret
			if secret == "" {
				if !s.cfg.IsDevelopment() {
					return errors.New("STRIPE_WEBHOOK_SECRET is required for the in-memory gateway outside development")
				}
				secret = "whsec_dev"
			}
			mem := gateway.NewMemory(secret)
			s.gateway, s.eventParser = mem, mem
			s.logger.Warn("using in-memory gateway (development only)")
		}
	}
	s.guarded = gateway.NewGuarded(s.gateway, s.cfg.GatewayTimeout, s.logger)
	s.health.RegisterOptional("gateway", health.Breaker("gateway", s.guarded.Breaker()))
	return nil
}

func (s *Server) setupGuard(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.guard = idempotency.NewMemoryGuard()
		s.logger.Info("using in-process idempotency guard")
		return nil
	}
	client, err := idempotency.Connect(ctx, s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	rg := idempotency.NewRedisGuard(client, "gigescrow:")
	s.guard = rg
	s.health.Register("redis", health.Redis(rg))
	s.logger.Info("using redis idempotency guard")
	return nil
}

// setupServices builds stores (Postgres if DATABASE_URL set, otherwise
// in-memory) and the services over them.
func (s *Server) setupServices() error {
	var (
		agreements    escrow.Store
		profileStore  profiles.Store
		entries       ledger.Store
		wallets       wallet.Store
		withdrawStore withdrawals.Store
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		agreements = escrow.NewPostgresStore(db)
		profileStore = profiles.NewPostgresStore(db)
		entries = ledger.NewPostgresStore(db)
		wallets = wallet.NewPostgresStore(db)
		withdrawStore = withdrawals.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		memEntries := ledger.NewMemoryStore()
		memWallets := wallet.NewMemoryStore()
		agreements = escrow.NewMemoryStore()
		profileStore = profiles.NewMemoryStore()
		entries = memEntries
		wallets = memWallets
		withdrawStore = withdrawals.NewMemoryStore(memWallets, memEntries)
	}

	s.realtimeHub = realtime.NewHub(s.logger, s.cfg.AllowedOrigins)
	notifier := notify.NewFanout(s.realtimeHub)
	if cb := notify.NewCallback(s.cfg.NotifyCallbackURL, s.cfg.NotifyCallbackSecret, s.logger); cb != nil {
		notifier = notify.NewFanout(s.realtimeHub, cb)
	}

	s.directory = profiles.NewDirectory(profileStore, s.cfg.DefaultCommissionPercent)
	s.journal = ledger.NewJournal(entries, s.logger)
	s.walletLedger = wallet.NewLedger(wallets, agreements, s.logger).
		WithWithdrawals(withdrawStore).
		WithNotifier(notifier)

	calc := fees.NewCalculator(fees.GatewayModel{Percent: s.cfg.GatewayFeePercent, Fixed: s.cfg.GatewayFeeFixed})
	s.coordinator = escrow.NewCoordinator(agreements, s.guarded, calc, s.directory, s.logger).
		WithJournal(s.journal).
		WithBalances(s.walletLedger).
		WithNotifier(notifier).
		WithConfirmationWindow(s.cfg.ConfirmationWindow)
	s.escrowTimer = escrow.NewTimer(s.coordinator, s.cfg.SweepInterval, s.logger).WithLease(s.guard)

	s.processor = withdrawals.NewProcessor(withdrawStore, s.guarded, s.walletLedger, s.directory, s.logger).
		WithNotifier(notifier)
	s.withdrawalTimer = withdrawals.NewReconciler(s.processor, s.cfg.WithdrawalReconcileInterval, s.cfg.WithdrawalGrace, s.logger)

	s.webhooks = webhooks.NewRouter(s.coordinator, agreements, s.guard, s.logger)

	s.drift = reconciliation.NewService(s.walletLedger, s.logger).WithRepair(s.cfg.WalletReconcileRepair)
	s.reconcileTimer = reconciliation.NewTimer(s.drift, s.cfg.WalletReconcileInterval, s.logger).WithLease(s.guard)
	return nil
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(auth.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Gateway deliveries authenticate by signature, not profile
	webhooks.NewHandler(s.webhooks, s.eventParser).RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.coordinator)
	walletHandler := wallet.NewHandler(s.walletLedger)
	ledgerHandler := ledger.NewHandler(s.journal)
	withdrawalHandler := withdrawals.NewHandler(s.processor).WithGrace(s.cfg.WithdrawalGrace)

	// Rate limiting keys on the calling profile
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.rateLimiter.Middleware())
	protected.GET("/ws", s.realtimeHub.Handler())
	escrowHandler.RegisterProtectedRoutes(protected)
	walletHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	withdrawalHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	escrowHandler.RegisterAdminRoutes(admin)
	walletHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	withdrawalHandler.RegisterAdminRoutes(admin)
	profiles.NewHandler(s.directory).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.drift).RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	res := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case !res.Healthy:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case res.Degraded:
		status = "degraded"
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Checks:    res.Statuses,
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
	if res := s.health.CheckAll(c.Request.Context()); !res.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": res.Statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.withdrawalTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDeadline)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.withdrawalTimer.Stop()
	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background timers stopped")

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
