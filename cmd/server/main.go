// Agent collaboration bus server.
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

	"github.com/agentbus/core/internal/auth"
	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/config"
	"github.com/agentbus/core/internal/connmgr"
	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/health"
	"github.com/agentbus/core/internal/httpapi"
	"github.com/agentbus/core/internal/middleware"
	"github.com/agentbus/core/internal/pubsub"
	"github.com/agentbus/core/internal/queue"
	"github.com/agentbus/core/internal/router"
	"github.com/agentbus/core/internal/scheduler"
	"github.com/agentbus/core/internal/session"
	"github.com/agentbus/core/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if err := seedWorkspaces(context.Background(), cfg, repo); err != nil {
		slog.Error("Failed to seed workspaces", "error", err)
		os.Exit(1)
	}

	// The broker is load-bearing for everything: an unreachable broker at
	// startup is fatal after the client's own initial retries.
	brokerClient, err := broker.NewRedisClient(broker.Config{
		URL:                 cfg.Broker.URL,
		PoolSize:            cfg.Broker.PoolSize,
		CommandTimeout:      cfg.Broker.CommandTimeout,
		HealthCheckInterval: cfg.Broker.HealthCheckInterval,
		MaxRetries:          cfg.Broker.MaxRetries,
		RetryBaseDelay:      cfg.Broker.RetryBaseDelay,
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "url", cfg.Broker.URL, "error", err)
		os.Exit(1)
	}
	slog.Info("Broker connected", "url", cfg.Broker.URL)

	// Initialize the messaging core.
	pubsubMgr := pubsub.NewManager(brokerClient, cfg.PubSub.PumpTick)
	queueMgr := queue.NewManager(brokerClient, queue.Config{
		DefaultTTL:         cfg.Queue.DefaultTTL,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		StaleMaxAge:        cfg.Queue.StaleMaxAge,
	})
	msgRouter := router.New(pubsubMgr, queueMgr)
	conns := connmgr.New(connmgr.Config{
		PingInterval: cfg.Heartbeat.PingInterval,
		PingTimeout:  cfg.Heartbeat.PingTimeout,
	})
	prober := health.NewProber(brokerClient, health.DefaultConfig())

	var authSvc *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authSvc, err = auth.NewService(auth.Config{
			Secret:          cfg.Auth.JWTSecret,
			AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
			RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
			BcryptCost:      cfg.Auth.BcryptCost,
		})
		if err != nil {
			slog.Error("Failed to initialize auth", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("JWT_SECRET not set, running without authentication")
	}

	// Initialize handlers. The verifier stays a nil interface when auth is
	// off so the session handshake skips token checks entirely.
	var tokenVerifier session.TokenVerifier
	if authSvc != nil {
		tokenVerifier = authSvc
	}
	wsHandler := session.New(conns, msgRouter, tokenVerifier, cfg.FrontendURL, cfg.IsDevelopment())
	apiHandler := httpapi.NewHandler(repo, authSvc, msgRouter, conns, queueMgr, prober)

	// Background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pubsubMgr.StartListening(ctx)
	conns.StartHeartbeat(ctx)

	sweeper := scheduler.New(repo, msgRouter, scheduler.Config{
		StaleSweepSpec:   cfg.Scheduler.StaleSweepSpec,
		RetentionSpec:    cfg.Scheduler.RetentionSpec,
		StaleMaxAge:      cfg.Queue.StaleMaxAge,
		MessageRetention: cfg.Scheduler.MessageRetention,
	})
	if err := sweeper.Start(); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// HTTP surface.
	apiHandler.RegisterAuthRoutes(r)
	apiHandler.RegisterWorkspaceRoutes(r)
	apiHandler.RegisterAdminRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket sessions stay open indefinitely.
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Drain the listener first so no new sessions arrive, then tear the
	// messaging core down from the outside in. Each step gets its own
	// timeout; a stuck step is logged and skipped, not waited on forever.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	stopStep("sessions", 5*time.Second, func() {
		for _, info := range conns.All() {
			if s := conns.Get(info.SessionID); s != nil {
				_ = s.Socket.Close(websocket.StatusGoingAway, "server shutting down")
			}
		}
	})
	stopStep("heartbeat", 5*time.Second, func() { conns.StopHeartbeat() })
	stopStep("pubsub", 5*time.Second, func() { pubsubMgr.StopListening() })
	stopStep("scheduler", 5*time.Second, func() { sweeper.Stop() })
	stopStep("broker", 5*time.Second, func() {
		if err := brokerClient.Close(); err != nil {
			slog.Error("Failed to close broker client", "error", err)
		}
	})

	slog.Info("Server stopped successfully")
}

// stopStep runs a blocking stop function with a timeout so one stuck
// component cannot hang the whole shutdown chain.
func stopStep(name string, timeout time.Duration, fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Shutdown step timed out, continuing", "step", name)
	}
}

// seedWorkspaces pre-creates the workspaces and sandboxes named by the
// optional development seed file. Existing rows are left alone: seeding
// is idempotent by workspace name.
func seedWorkspaces(ctx context.Context, cfg *config.Config, repo store.Repository) error {
	seed, err := cfg.LoadWorkspaceSeed()
	if err != nil {
		return err
	}
	if seed == nil {
		return nil
	}

	existing, err := repo.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, ws := range existing {
		byName[ws.Name] = true
	}

	for _, sw := range seed.Workspaces {
		if byName[sw.Name] {
			continue
		}
		now := time.Now()
		ws := &domain.Workspace{
			WorkspaceID: domain.NewID("ws"),
			Name:        sw.Name,
			Settings:    domain.WorkspaceSettings{MaxSandboxes: sw.MaxSandboxes},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := repo.CreateWorkspace(ctx, ws); err != nil {
			return err
		}
		for _, agent := range sw.Agents {
			sb := &domain.Sandbox{
				SandboxID:   domain.NewID("sb"),
				WorkspaceID: ws.WorkspaceID,
				AgentID:     agent.AgentID,
				Config:      domain.AgentConfig{DisplayName: agent.DisplayName},
				Health:      domain.HealthUnknown,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := repo.CreateSandbox(ctx, sb); err != nil {
				return err
			}
		}
		slog.Info("Seeded workspace", "workspace_id", ws.WorkspaceID, "name", ws.Name, "agents", len(sw.Agents))
	}
	return nil
}
