// Command server runs the escrow payment lifecycle engine: the deposit
// reconciler, custody orchestrator, release scheduler, payout processor,
// recovery monitor, and the manual-intervention HTTP surface.
package main

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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/fianza-mx/escrow-engine/internal/admin"
	"github.com/fianza-mx/escrow-engine/internal/bankrail"
	"github.com/fianza-mx/escrow-engine/internal/config"
	"github.com/fianza-mx/escrow-engine/internal/custody"
	"github.com/fianza-mx/escrow-engine/internal/escrow"
	"github.com/fianza-mx/escrow-engine/internal/logging"
	"github.com/fianza-mx/escrow-engine/internal/metrics"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/reconciler"
	"github.com/fianza-mx/escrow-engine/internal/recovery"
	"github.com/fianza-mx/escrow-engine/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "json")

	logger.Info("starting escrow engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, "json")

	if err := run(cfg, logger); err != nil {
		logger.Error("engine error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	metrics.Register()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		payments payment.Store
		escrows  escrow.Store
		db       *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		payments = payment.NewPostgresStore(db)
		escrows = escrow.NewPostgresStore(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		payments = payment.NewMemoryStore()
		escrows = escrow.NewMemoryStore()
		logger.Info("using in-memory storage (data will not persist)")
	}

	bank := bankrail.New(cfg.BankBaseURL, cfg.BankAPIKey, cfg.BankAPISecret, logger)

	chain, err := custody.New(custody.Config{
		RPCURL:         cfg.RPCURL,
		PrivateKey:     cfg.BridgePrivateKey,
		ChainID:        cfg.ChainID,
		EscrowContract: cfg.EscrowContract,
		TokenContract:  cfg.TokenContract,
	})
	if err != nil {
		return fmt.Errorf("creating custody client: %w", err)
	}

	payouts := escrow.NewPayoutProcessor(payments, escrows, bank, chain, cfg.SettlementWallet, logger)
	orchestrator := escrow.NewOrchestrator(payments, escrows, bank, chain, payouts, cfg.BridgeWallet, cfg.MaxAutomaticRetries, logger)
	releaser := escrow.NewReleaser(payments, escrows, chain, payouts,
		cfg.ApprovalExpiryPolicy, cfg.ApprovalExpiryGrace, cfg.MaxAutomaticRetries, logger)
	risk := escrow.NewRiskAnalyzer(cfg.RiskAPIURL, cfg.RiskAPIKey, logger)
	disputes := escrow.NewDisputeService(payments, escrows, chain, payouts, risk, logger)

	deposits := reconciler.New(payments, bank, orchestrator, logger)
	monitor := recovery.NewMonitor(payments, escrows, chain, orchestrator, 0, logger)

	depositTimer := reconciler.NewTimer(deposits, cfg.DepositPollInterval, logger)
	escrowTimer := escrow.NewTimer(orchestrator, releaser, payouts,
		cfg.ReleasePollInterval, cfg.PayoutPollInterval, logger)
	recoveryTimer := recovery.NewTimer(monitor, cfg.RecoveryPollInterval, logger)

	go depositTimer.Start(ctx)
	go escrowTimer.Start(ctx)
	go recoveryTimer.Start(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})
	router.GET("/metrics", metrics.Handler())

	admin.NewHandler(payments, escrows, releaser, disputes, monitor, deposits, logger).
		RegisterRoutes(router.Group("/"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Stop the timers first so no new work claims a payment mid-shutdown,
	// then drain HTTP.
	depositTimer.Stop()
	escrowTimer.Stop()
	recoveryTimer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	if err := shutdownTraces(shutdownCtx); err != nil {
		logger.Warn("trace exporter shutdown error", "error", err)
	}
	if err := chain.Close(); err != nil {
		logger.Warn("custody client close error", "error", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}

	logger.Info("engine stopped")
	return nil
}

// maskDSN hides the password in a connection string for logging.
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
