package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/tokensend/service/config"
	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/metrics"
	natspkg "github.com/brojonat/tokensend/service/nats"
	"github.com/brojonat/tokensend/service/server"
	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/transfer"
	"github.com/brojonat/tokensend/service/wallet"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"allowed_origins", cfg.AllowedOrigins,
		"log_level", cfg.LogLevel,
		"network", cfg.SolanaNetwork,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(nil)

	transferCfg, err := transfer.ConfigFromEnv(cfg)
	if err != nil {
		logger.Error("invalid transfer configuration", "error", err)
		os.Exit(1)
	}

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	solanaRPC := solana.NewRPCClient(cfg.SolanaRPCURL)
	solanaClient := solana.NewClient(solanaRPC, cfg.SolanaRPCURL, m, logger).
		WithConfirmPollInterval(cfg.ConfirmPollInterval)
	logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL)

	conn := wallet.NewConnectorFromConfig(cfg, logger)
	svc := transfer.NewService(solanaClient, conn, transferCfg, m, logger)

	// Transfer history is optional. Keep the interface nil when unset so the
	// server disables the history endpoints.
	var store server.TransferStore
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		dbStore := db.NewStore(dbPool, m)
		if err := dbStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to create schema", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		svc.WithRecorder(dbStore)
		store = dbStore
	} else {
		logger.Warn("DATABASE_URL not set, transfers will not be recorded")
	}

	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		svc.WithPublisher(publisher)
		logger.Info("publishing transfer events to NATS", "url", cfg.NATSURL, "stream", natspkg.StreamName)
	}

	if cfg.WalletAutoConnect && cfg.HasWallet() {
		if err := svc.Connect(ctx); err != nil {
			logger.Error("failed to connect wallet", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, svc, store, m, logger).
		WithWriteTimeout(cfg.ConfirmTimeout + 30*time.Second).
		WithAllowedOrigins(cfg.AllowedOrigins)
	if err := httpServer.WithTemplates(); err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", cfg.SolanaRPCURL,
		"recipient", transferCfg.Recipient.String(),
		"amount", transferCfg.DisplayAmount(),
		"symbol", transferCfg.Symbol,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// A send in flight holds its request open until confirmation.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
