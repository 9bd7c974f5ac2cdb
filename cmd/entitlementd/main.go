package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dietwise/entitlement/internal/database"
	"github.com/dietwise/entitlement/internal/logging"
	"github.com/dietwise/entitlement/internal/server"
	"github.com/dietwise/entitlement/internal/stripe"
)

func main() {
	// Best effort; production supplies real environment variables.
	_ = godotenv.Load()

	logger := logging.Setup(os.Getenv("ENTITLEMENT_LOG_LEVEL"))

	port := os.Getenv("ENTITLEMENT_PORT")
	if port == "" {
		port = "8091"
	}

	dbPath := os.Getenv("ENTITLEMENT_DB_PATH")
	if dbPath == "" {
		dbPath = "entitlement.db"
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		slog.Error("STRIPE_WEBHOOK_SECRET is required")
		os.Exit(1)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		Stripe: stripe.Config{
			WebhookSecret: webhookSecret,
		},
	}

	srv := server.New(db, cfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup of expired usage counters
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Limiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("entitlement service starting", "addr", ":"+port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
