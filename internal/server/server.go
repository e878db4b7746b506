// Package server wires the escrow broker and exposes it over HTTP
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
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/tonescrow/internal/circuitbreaker"
	"github.com/mbd888/tonescrow/internal/config"
	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/health"
	"github.com/mbd888/tonescrow/internal/keyseal"
	"github.com/mbd888/tonescrow/internal/logging"
	"github.com/mbd888/tonescrow/internal/metrics"
	"github.com/mbd888/tonescrow/internal/notify"
	"github.com/mbd888/tonescrow/internal/oracle"
	"github.com/mbd888/tonescrow/internal/ratelimit"
	"github.com/mbd888/tonescrow/internal/ton"
	"github.com/mbd888/tonescrow/internal/validation"
	"github.com/mbd888/tonescrow/internal/wallet"
	"github.com/mbd888/tonescrow/migrations"
)

// Liteserver deployment tuning.
const (
	oracleBreakerThreshold = 5
	oracleBreakerCooldown  = 30 * time.Second
	liteDialTimeout        = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the escrow components behind it
type Server struct {
	cfg      *config.Config
	settings escrow.Settings
	logger   *slog.Logger
	db       *sql.DB

	provider escrow.WalletProvider
	balances escrow.BalanceOracle
	sandbox  *wallet.Sandbox // sandbox mode only
	breakers func() map[string]circuitbreaker.State

	sessions *escrow.MemorySessionStore
	records  escrow.RecordStore
	machine  *escrow.Machine
	monitor  *escrow.Monitor
	payouts  *escrow.PayoutService

	hub     *notify.Hub
	mailbox *notify.Mailbox

	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router     *gin.Engine
	httpSrv    *http.Server
	drainDelay time.Duration
	version    string

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported by /health
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithSettings overrides the escrow settings derived from config (for testing)
func WithSettings(settings escrow.Settings) Option {
	return func(s *Server) {
		s.settings = settings
	}
}

// WithWallet replaces the custody backend and balance oracle (for testing)
func WithWallet(provider escrow.WalletProvider, balances escrow.BalanceOracle) Option {
	return func(s *Server) {
		s.provider = provider
		s.balances = balances
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		version:    "dev",
	}

	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.settings = settings

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Record store: Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	} else {
		s.records = escrow.NewMemoryRecordStore()
		s.logger.Warn("using in-memory record store, escrow records will not survive a restart")
	}

	if s.provider == nil {
		if err := s.setupCustody(ctx); err != nil {
			if s.db != nil {
				_ = s.db.Close()
			}
			return nil, fmt.Errorf("custody: %w", err)
		}
	}

	// Notices go to the user's streams, the mailbox and the log
	s.hub = notify.NewHub(s.logger)
	s.mailbox = notify.NewMailbox(notify.DefaultMailboxSize)
	notifier := notify.NewMulti(s.logger, s.hub, s.mailbox, notify.NewLog(s.logger))

	s.sessions = escrow.NewMemorySessionStore()
	s.payouts = escrow.NewPayoutService(s.settings, s.sessions, s.records, s.provider, s.balances, notifier, s.logger)
	s.monitor = escrow.NewMonitor(s.settings, s.sessions, s.records, s.balances, s.payouts, notifier, s.logger)
	provisioner := escrow.NewProvisioner(s.provider)
	s.machine = escrow.NewMachine(s.settings, s.sessions, s.records, provisioner, s.monitor, s.logger)

	if err := s.selfCheck(ctx, provisioner); err != nil {
		s.monitor.Stop()
		if s.db != nil {
			_ = s.db.Close()
		}
		return nil, err
	}

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func settingsFromConfig(cfg *config.Config) (escrow.Settings, error) {
	rate, err := ton.ParseFeeRate(cfg.FeeRate)
	if err != nil {
		return escrow.Settings{}, fmt.Errorf("fee rate: %w", err)
	}
	return escrow.Settings{
		FeeRate:        rate,
		FeeWallet:      cfg.FeeWallet,
		PaymentTimeout: cfg.PaymentTimeout(),
		CheckInterval:  cfg.CheckInterval(),
		SessionTTL:     cfg.SessionTTL(),
		InputStaleness: cfg.InputStaleness(),
		// each balance source gets OracleTimeout
		OracleTimeout: time.Duration(balanceSources(cfg))*cfg.OracleTimeout() + 5*time.Second,
	}, nil
}

// balanceSources counts the oracle sources one lookup may try.
func balanceSources(cfg *config.Config) int {
	if cfg.WalletMode == config.WalletModeLiteserver {
		return 3
	}
	return 2
}

func (s *Server) openDatabase(ctx context.Context) error {
	sealer, err := keyseal.FromHex(s.cfg.SignerSealKey)
	if err != nil {
		return fmt.Errorf("signer seal key: %w", err)
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		s.logger.Warn("failed to apply migrations", "error", err)
	}

	s.db = db
	s.records = escrow.NewPostgresRecordStore(db, sealer)
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupCustody(ctx context.Context) error {
	walletCfg := wallet.Config{Testnet: s.cfg.Testnet}
	if s.cfg.WalletMode == config.WalletModeSandbox {
		s.sandbox = wallet.NewSandbox(s.cfg.Testnet)
		s.provider = wallet.New(walletCfg, s.sandbox, s.logger)
		s.balances = s.sandbox
		s.logger.Warn("sandbox custody enabled, no funds move on chain")
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, liteDialTimeout)
	defer cancel()
	api, err := wallet.Dial(dialCtx, s.cfg.LiteConfigURL())
	if err != nil {
		return err
	}
	s.provider = wallet.New(walletCfg, wallet.NewLiteChain(api), s.logger)

	o := oracle.New(oracle.Config{
		PrimaryURL:       s.cfg.OraclePrimaryURL,
		FallbackURL:      s.cfg.OracleFallbackURL,
		APIKey:           s.cfg.OracleAPIKey,
		Timeout:          s.cfg.OracleTimeout(),
		BreakerThreshold: oracleBreakerThreshold,
		BreakerCooldown:  oracleBreakerCooldown,
		Extra:            []oracle.Source{oracle.NewLiteServer(api)},
	}, s.logger)
	s.balances = o
	s.breakers = o.Breakers
	s.logger.Info("liteserver custody enabled", "config", s.cfg.LiteConfigURL(), "testnet", s.cfg.Testnet)
	return nil
}

// selfCheck validates the fee address, provisions one throwaway wallet and
// tries one balance lookup. Only the lookup may fail without aborting.
func (s *Server) selfCheck(ctx context.Context, provisioner *escrow.Provisioner) error {
	if !validation.IsValidAddress(s.settings.FeeWallet) {
		return fmt.Errorf("self-check: fee address %q is invalid", s.settings.FeeWallet)
	}
	if _, err := ton.ParseAddress(s.settings.FeeWallet); err != nil {
		return fmt.Errorf("self-check: fee address %q: %w", s.settings.FeeWallet, err)
	}

	w, err := provisioner.Provision(ctx)
	if err != nil {
		return fmt.Errorf("self-check: %w", err)
	}
	s.logger.Info("self-check: wallet provisioning ok", "address", w.Address)

	lookupCtx, cancel := context.WithTimeout(ctx, s.settings.OracleTimeout)
	defer cancel()
	bal, err := s.balances.GetBalance(lookupCtx, s.settings.FeeWallet)
	if err != nil {
		s.logger.Warn("self-check: fee address balance lookup failed", "error", err)
		return nil
	}
	s.logger.Info("self-check: balance oracle ok", "fee_wallet", s.settings.FeeWallet, "balance", bal.String())
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(3 * time.Second)

	if pg, ok := s.records.(*escrow.PostgresRecordStore); ok {
		s.health.Register("record_store", func(ctx context.Context) health.Status {
			if err := pg.Ping(ctx); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}

	s.health.RegisterInformational("monitors", func(context.Context) health.Status {
		return health.Status{Healthy: true, Detail: fmt.Sprintf("%d active", s.monitor.Active())}
	})

	if s.breakers != nil {
		s.health.RegisterInformational("balance_sources", func(context.Context) health.Status {
			states := s.breakers()
			names := make([]string, 0, len(states))
			for name := range states {
				names = append(names, name)
			}
			sort.Strings(names)

			st := health.Status{Healthy: true}
			parts := make([]string, 0, len(names))
			for _, name := range names {
				if states[name] == circuitbreaker.StateOpen {
					st.Healthy = false
				}
				parts = append(parts, name+"="+states[name].String())
			}
			st.Detail = strings.Join(parts, ", ")
			return st
		})
	}
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

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())

	s.router.Use(s.loggingMiddleware())
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("/help", s.helpHandler)

	s.rateLimiter = ratelimit.New(ratelimit.Config{PerMinute: int(s.cfg.InputRatePerMinute)})

	users := v1.Group("/users/:user", validation.UserParamMiddleware())
	{
		users.POST("/start", s.rateLimiter.Middleware(), s.startHandler)
		users.POST("/messages", s.rateLimiter.Middleware(), s.messageHandler)
		users.POST("/reset", s.rateLimiter.Middleware(), s.resetHandler)
		users.GET("/session", s.sessionHandler)
		users.GET("/notices", s.noticesHandler)
		users.GET("/stream", func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request, c.Param("user"))
		})
	}

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin API disabled")
		return
	}

	admin := v1.Group("/admin", s.adminAuth())
	{
		admin.GET("/records", s.listRecordsHandler)
		admin.GET("/records/:tx", s.getRecordHandler)
		admin.POST("/records/:tx/reconcile", s.reconcileHandler)
		admin.POST("/records/:tx/retry", s.retryHandler)
		admin.GET("/stats", s.statsHandler)
		if s.sandbox != nil {
			admin.POST("/sandbox/fund", s.sandboxFundHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
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
		Version:   s.version,
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

// Run starts the HTTP server and blocks until ctx is done or a shutdown
// signal arrives
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"wallet_mode", s.cfg.WalletMode,
			"fee_wallet", s.settings.FeeWallet,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

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
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.monitor.Stop()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight monitors are cancelled;
// their records stay waiting_payment for reconciliation.
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

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	active := s.monitor.Active()
	s.monitor.Stop()
	s.logger.Info("payment monitors stopped", "interrupted", active)

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
