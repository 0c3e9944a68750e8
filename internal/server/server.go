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
	"github.com/lucaspalermo/passback/internal/config"
	"github.com/lucaspalermo/passback/internal/dispute"
	"github.com/lucaspalermo/passback/internal/gateway"
	"github.com/lucaspalermo/passback/internal/health"
	"github.com/lucaspalermo/passback/internal/identity"
	"github.com/lucaspalermo/passback/internal/logging"
	"github.com/lucaspalermo/passback/internal/metrics"
	"github.com/lucaspalermo/passback/internal/offer"
	"github.com/lucaspalermo/passback/internal/ratelimit"
	"github.com/lucaspalermo/passback/internal/realtime"
	"github.com/lucaspalermo/passback/internal/security"
	"github.com/lucaspalermo/passback/internal/sweep"
	"github.com/lucaspalermo/passback/internal/ticket"
	"github.com/lucaspalermo/passback/internal/transaction"
	"github.com/lucaspalermo/passback/internal/validation"
	"github.com/lucaspalermo/passback/internal/wallet"
	"github.com/lucaspalermo/passback/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	tickets      *ticket.Service
	wallets      *wallet.Service
	transactions *transaction.Service
	offers       *offer.Service
	disputes     *dispute.Service
	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	sweepRunner  *sweep.Runner
	sweepTimer   *sweep.Timer
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	pay          transaction.PaymentGateway
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g transaction.PaymentGateway) Option {
	return func(s *Server) {
		s.pay = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ticketStore  ticket.Store
		walletStore  wallet.Store
		txnStore     transaction.Store
		offerStore   offer.Store
		disputeStore dispute.Store
	)
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
		s.checks.Register("database", health.DatabaseChecker(db))
		ticketStore = ticket.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		txnStore = transaction.NewPostgresStore(db)
		offerStore = offer.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ticketStore = ticket.NewMemoryStore()
		mw := wallet.NewMemoryStore()
		walletStore = mw
		// The in-memory transaction store pairs its transitions with the
		// ticket and wallet directly, standing in for the SQL transaction
		// that does the same in Postgres mode.
		txnStore = transaction.NewMemoryStore(&purchaseLedger{ticketStore}, mw)
		offerStore = offer.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Webhook delivery
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Payment gateway: Stripe when configured, fake gateway for dev/demo
	if s.pay == nil {
		if cfg.StripeSecretKey != "" {
			s.pay = gateway.WithResilience(gateway.NewStripeGateway(gateway.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
			}))
			s.logger.Info("stripe gateway enabled")
		} else {
			s.pay = gateway.NewFakeGateway()
			s.logger.Info("fake payment gateway enabled (no STRIPE_SECRET_KEY)")
		}
	}

	// Ticket listings
	s.tickets = ticket.NewService(ticketStore).
		WithNotifier(&listingBroadcaster{s.realtimeHub})

	// Wallets: pending earnings are derived from paid transactions
	s.wallets = wallet.NewService(walletStore, txnStore, cfg.GracePeriod())

	// Escrow engine
	s.transactions = transaction.NewService(txnStore, &purchaseLedger{ticketStore}, transaction.Config{
		FeeRate:    cfg.FeeRate,
		PendingTTL: cfg.PendingTTL,
		Grace:      cfg.GracePeriod(),
	}, s.logger).
		WithGateway(s.pay).
		WithNotifier(&saleNotifier{emitter, s.realtimeHub})

	// Disputes block auto-release until an operator closes them; an upheld
	// dispute voids the escrow through the resolver hook
	s.disputes = dispute.NewService(disputeStore, &transactionLookup{txnStore}, s.logger).
		WithNotifier(emitter).
		WithResolver(&disputeResolver{s.transactions})
	s.transactions = s.transactions.WithDisputeGate(s.disputes)

	// Negotiation
	s.offers = offer.NewService(offerStore, &offerLedger{ticketStore}, s.transactions, offer.Config{
		MinFraction:   cfg.MinOfferFraction,
		PaymentWindow: cfg.PaymentWindow,
	}, s.logger).
		WithNotifier(emitter)

	// Reconciliation sweeps
	s.sweepRunner = sweep.NewRunner(s.transactions, s.offers, s.logger)
	s.sweepTimer = sweep.NewTimer(s.sweepRunner, cfg.SweepInterval, s.logger)

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

	// Upstream-resolved identity
	s.router.Use(identity.Middleware())

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

	// WebSocket for real-time marketplace activity
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	root := s.router.Group("")

	// Payment gateway webhook (signature-authenticated, no session)
	gatewayHandler := gateway.NewWebhookHandler(s.transactions, s.cfg.StripeWebhookSecret, s.logger)
	gatewayHandler.RegisterRoutes(root)

	// Sweep trigger for an external scheduler (secret-gated)
	sweepHandler := sweep.NewHandler(s.sweepRunner, s.cfg.SweepSecret)
	sweepHandler.RegisterRoutes(root)

	// V1 API group
	v1 := s.router.Group("/v1")

	ticketHandler := ticket.NewHandler(s.tickets)
	walletHandler := wallet.NewHandler(s.wallets)
	transactionHandler := transaction.NewHandler(s.transactions)
	offerHandler := offer.NewHandler(s.offers)
	disputeHandler := dispute.NewHandler(s.disputes)
	webhookHandler := webhooks.NewHandler(s.webhookStore)

	// PUBLIC ROUTES (browse without a session)
	ticketHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (resolved user identity required)
	protected := v1.Group("")
	protected.Use(identity.RequireUser())
	{
		ticketHandler.RegisterProtectedRoutes(protected)
		walletHandler.RegisterProtectedRoutes(protected)
		transactionHandler.RegisterProtectedRoutes(protected)
		offerHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
		webhookHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES (dispute operations)
	admin := v1.Group("/admin")
	admin.Use(identity.RequireAdmin())
	{
		disputeHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Passback",
		"description": "Peer-to-peer event ticket resale with escrowed payments",
		"version":     "0.1.0",
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

	// Start the reconciliation sweep timer
	go s.sweepTimer.Start(runCtx)

	// Sample DB pool stats into gauges when running on Postgres
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// purchaseLedger adapts ticket.Store to transaction.TicketLedger
type purchaseLedger struct {
	store ticket.Store
}

func (l *purchaseLedger) Info(ctx context.Context, ticketID string) (*transaction.TicketInfo, error) {
	t, err := l.store.Get(ctx, ticketID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) {
			return nil, transaction.ErrTicketNotFound
		}
		return nil, err
	}
	return &transaction.TicketInfo{
		ID:        t.ID,
		SellerID:  t.SellerID,
		Price:     t.Price,
		EventDate: t.EventDate,
		Available: t.Status == ticket.StatusAvailable,
	}, nil
}

func (l *purchaseLedger) Reserve(ctx context.Context, ticketID string) error {
	return l.store.Reserve(ctx, ticketID)
}

func (l *purchaseLedger) ReleaseHold(ctx context.Context, ticketID string) error {
	return l.store.ReleaseHold(ctx, ticketID)
}

func (l *purchaseLedger) MarkSold(ctx context.Context, ticketID string) error {
	return l.store.MarkSold(ctx, ticketID)
}

func (l *purchaseLedger) MarkCompleted(ctx context.Context, ticketID string) error {
	return l.store.MarkCompleted(ctx, ticketID)
}

func (l *purchaseLedger) Relist(ctx context.Context, ticketID string) error {
	return l.store.Relist(ctx, ticketID)
}

// offerLedger adapts ticket.Store to offer.TicketLedger
type offerLedger struct {
	store ticket.Store
}

func (l *offerLedger) Info(ctx context.Context, ticketID string) (*offer.TicketInfo, error) {
	t, err := l.store.Get(ctx, ticketID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) {
			return nil, offer.ErrTicketNotFound
		}
		return nil, err
	}
	return &offer.TicketInfo{
		ID:        t.ID,
		SellerID:  t.SellerID,
		Price:     t.Price,
		EventDate: t.EventDate,
		Available: t.Status == ticket.StatusAvailable,
		Sold:      t.Status == ticket.StatusSold || t.Status == ticket.StatusCompleted,
	}, nil
}

func (l *offerLedger) Reserve(ctx context.Context, ticketID string) error {
	return l.store.Reserve(ctx, ticketID)
}

func (l *offerLedger) ReleaseHold(ctx context.Context, ticketID string) error {
	return l.store.ReleaseHold(ctx, ticketID)
}

// disputeResolver adapts the escrow engine to dispute.Resolver: an upheld
// dispute voids the disputed escrow so the sweep can never pay the seller.
type disputeResolver struct {
	txns *transaction.Service
}

func (r *disputeResolver) DisputeUpheld(ctx context.Context, d *dispute.Dispute) error {
	// ErrInvalidState here means the funds were already released before the
	// ruling landed; the dispute service logs it and the operator handles
	// the clawback off-platform.
	_, err := r.txns.Refund(ctx, d.TransactionID)
	return err
}

// transactionLookup adapts transaction.Store to dispute.TransactionLookup
type transactionLookup struct {
	store transaction.Store
}

func (a *transactionLookup) Ref(ctx context.Context, transactionID string) (*dispute.TransactionRef, error) {
	t, err := a.store.Get(ctx, transactionID)
	if err != nil {
		if errors.Is(err, transaction.ErrTransactionNotFound) {
			return nil, dispute.ErrTransactionNotFound
		}
		return nil, err
	}
	return &dispute.TransactionRef{
		ID:       t.ID,
		BuyerID:  t.BuyerID,
		SellerID: t.SellerID,
		Paid:     t.Status == transaction.StatusPaid,
	}, nil
}

// listingBroadcaster adapts realtime.Hub to ticket.Notifier
type listingBroadcaster struct {
	hub *realtime.Hub
}

func (b *listingBroadcaster) TicketListed(t *ticket.Ticket) {
	price, _ := t.Price.Float64()
	b.hub.BroadcastListing(map[string]interface{}{
		"ticketId":  t.ID,
		"eventName": t.EventName,
		"eventDate": t.EventDate,
		"price":     price,
	})
}

// saleNotifier fans transaction lifecycle events out to webhook subscribers
// and WebSocket clients.
type saleNotifier struct {
	emitter *webhooks.Emitter
	hub     *realtime.Hub
}

func (n *saleNotifier) TransactionCreated(t *transaction.Transaction) {
	n.emitter.TransactionCreated(t)
}

func (n *saleNotifier) PaymentConfirmed(t *transaction.Transaction) {
	n.emitter.PaymentConfirmed(t)
	n.hub.BroadcastSale(map[string]interface{}{
		"ticketId": t.TicketID,
		"amount":   t.Amount.String(),
	})
}

func (n *saleNotifier) PaymentReleased(t *transaction.Transaction) {
	n.emitter.PaymentReleased(t)
	n.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventSaleReleased,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"ticketId":     t.TicketID,
			"sellerAmount": t.SellerAmount.String(),
		},
	})
}
