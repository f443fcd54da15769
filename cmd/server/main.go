// Advisor simulation engine server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/advisor-sim/internal/api"
	"github.com/ashureev/advisor-sim/internal/completion"
	"github.com/ashureev/advisor-sim/internal/config"
	"github.com/ashureev/advisor-sim/internal/conversation"
	"github.com/ashureev/advisor-sim/internal/convlog"
	"github.com/ashureev/advisor-sim/internal/domain"
	"github.com/ashureev/advisor-sim/internal/guestcode"
	"github.com/ashureev/advisor-sim/internal/identity"
	"github.com/ashureev/advisor-sim/internal/live"
	"github.com/ashureev/advisor-sim/internal/middleware"
	"github.com/ashureev/advisor-sim/internal/seed"
	"github.com/ashureev/advisor-sim/internal/simulation"
	"github.com/ashureev/advisor-sim/internal/store"
	"github.com/ashureev/advisor-sim/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "env", cfg.AppEnv)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	if cfg.SeedPath != "" {
		fixture, err := seed.Load(cfg.SeedPath)
		if err != nil {
			return err
		}
		if err := fixture.Apply(ctx, repo, time.Now().UTC(), logger); err != nil {
			return err
		}
	}

	llm, closeLLM, err := newCompletionClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLLM()

	convs, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := convs.Close(); err != nil {
			slog.Warn("Failed to close conversation log", "error", err)
		}
	}()

	registry := guestcode.NewRegistry(repo, cfg.Guest.CacheTTL, guestcode.WithLogger(logger))
	defer registry.Close()

	conv := conversation.NewManager(repo, logger,
		conversation.WithConversationLog(convs),
		conversation.WithDefaultSubjects(cfg.Session.DefaultPersonaID, cfg.Session.DefaultScenarioID),
	)
	engine, err := simulation.NewEngine(conv, llm, simulation.Config{
		Timeout:     cfg.Completion.Timeout,
		WindowTurns: cfg.Completion.WindowTurns,
	}, logger)
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()

	errs := api.NewErrorWriter(cfg.IsProduction(), logger)
	gate := identity.NewGate(identity.GateConfig{
		Verifier: identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience),
		Flags:    repo,
		Defaults: domain.FeatureFlags{
			MentorEnabled:    cfg.Auth.MentorEnabled,
			EvaluatorEnabled: cfg.Auth.EvaluatorEnabled,
		},
		Guests:  registry,
		OnError: errs.Write,
		Logger:  logger,
	})

	hub := live.NewHub(logger)
	defer hub.CloseAll()

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(conv, engine, registry, hub, errs),
		Health:  api.NewHealthHandler(repo, cfg.CompletionProvider(), 5*time.Second),
		Live: live.NewHandler(live.Config{
			Conversations:  conv,
			Engine:         engine,
			Hub:            hub,
			OriginPatterns: originPatterns(cfg),
			ReadLimit:      cfg.Session.MaxBodyBytes,
			OnError:        errs.Write,
			Logger:         logger,
		}),
		Gate:           gate,
		Limiter:        limiter,
		Errors:         errs,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.Session.MaxBodyBytes,
		Logger:         logger,
	})

	// Websocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(router, "advisor-sim"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	sweeperDone := conv.StartSweeper(ctx, cfg.Session.SweepInterval, cfg.Session.IdleTTL, hub.CloseSession)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-sweeperDone
	return nil
}

// newCompletionClient builds the configured completion backend. Without one
// the server still starts; chat requests then fail with UPSTREAM_UNAVAILABLE.
func newCompletionClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (completion.Client, func(), error) {
	provider := cfg.CompletionProvider()
	switch provider {
	case "genai":
		client, err := completion.NewGenAIClient(ctx, cfg.Completion.GoogleAPIKey, cfg.Completion.Model)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Completion provider ready", "provider", provider, "model", cfg.Completion.Model)
		return completion.NewTraced(client, provider), func() {}, nil
	case "grpc":
		grpcCfg := completion.DefaultGrpcClientConfig(cfg.Completion.GRPCAddr)
		grpcCfg.Model = cfg.Completion.Model
		client, err := completion.NewGrpcClient(grpcCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Completion provider ready", "provider", provider, "address", cfg.Completion.GRPCAddr)
		return completion.NewTraced(client, provider), client.Close, nil
	default:
		slog.Warn("No completion provider configured, chat features will be unavailable")
		return completion.Unavailable{}, func() {}, nil
	}
}

// originPatterns converts allowed origins into websocket host patterns.
func originPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else if o == "*" {
			patterns = append(patterns, o)
		}
	}
	return patterns
}
