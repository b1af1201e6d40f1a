// Gateway - streaming assistant coordinator for the geospatial editor panel.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/wybert/earth-agent-gateway/internal/api"
	"github.com/wybert/earth-agent-gateway/internal/channel"
	"github.com/wybert/earth-agent-gateway/internal/config"
	"github.com/wybert/earth-agent-gateway/internal/docs"
	"github.com/wybert/earth-agent-gateway/internal/domain"
	"github.com/wybert/earth-agent-gateway/internal/identity"
	"github.com/wybert/earth-agent-gateway/internal/middleware"
	"github.com/wybert/earth-agent-gateway/internal/relay"
	"github.com/wybert/earth-agent-gateway/internal/store"
	"github.com/wybert/earth-agent-gateway/internal/upstream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sessions := store.NewSessions(repo)

	// Seed provider credentials from the environment so a fresh install
	// works without a separate settings step.
	seedCtx, seedCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = sessions.SetCredentials(seedCtx, domain.ProviderCredentials{
		OpenAIKey:    cfg.Provider.OpenAIKey,
		AnthropicKey: cfg.Provider.AnthropicKey,
	})
	seedCancel()
	if err != nil {
		slog.Error("Failed to seed provider credentials", "error", err)
		os.Exit(1)
	}

	adapter := upstream.NewAdapter(cfg.Provider)
	docsClient := docs.NewClient(cfg.Docs.BaseURL)

	// The one-shot proxy path is only used when a proxy endpoint is
	// configured and answers the identity challenge.
	var docsProxy relay.DocsProxy
	if cfg.Docs.ProxyURL != "" {
		checker := identity.NewChecker(cfg.Identity.Signature, cfg.Identity.Timeout)
		verifyCtx, verifyCancel := context.WithTimeout(context.Background(), cfg.Identity.Timeout)
		err := checker.Verify(verifyCtx, cfg.Docs.ProxyURL)
		verifyCancel()
		if err != nil {
			slog.Warn("Docs proxy failed identity check, using direct calls", "error", err)
		} else {
			docsProxy = channel.NewOneShot(cfg.Docs.ProxyURL + "/api/message")
			slog.Info("Docs proxy verified", "url", cfg.Docs.ProxyURL)
		}
	}

	limiter := relay.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	router := relay.New(sessions, adapter, docsClient, docsProxy, limiter, relay.Options{
		DefaultProvider: domain.ProviderKind(cfg.Provider.Default),
		OneShotTimeout:  cfg.OneShotTimeout,
	})
	defer router.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Identity endpoint for collaborator validation.
	r.Get(identity.Path, identity.Handler(cfg.Identity.Signature))

	// REST surface.
	apiHandler := api.NewHandler(repo, sessions)
	apiHandler.RegisterRoutes(r)

	// One-shot channel endpoint.
	r.Post("/api/message", router.HandleOneShot)

	// Duplex channel endpoint.
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := channel.Accept(w, req)
		if err != nil {
			slog.Error("Failed to accept connection", "error", err)
			return
		}
		router.Attach(conn)
	})

	// Create server. Streaming connections need long write timeouts.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Gateway stopped successfully")
}
