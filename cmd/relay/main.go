// Puppet Relay - correlation gateway between end users and an upstream bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/puppet-relay/internal/api"
	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/config"
	"github.com/ashureev/puppet-relay/internal/delivery"
	"github.com/ashureev/puppet-relay/internal/middleware"
	"github.com/ashureev/puppet-relay/internal/relay"
	"github.com/ashureev/puppet-relay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay end-user searches through a puppet account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if err := godotenv.Load(envFile); err != nil {
				slog.Info("No .env file found, using environment variables", "path", envFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading configuration")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, inbound pump and sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), serve)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Purge expired records from the store once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), sweep)
		},
	})
	return root
}

func run(ctx context.Context, fn func(context.Context, *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}
	slog.SetDefault(newLogger(cfg.Debug))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cfg); err != nil {
		slog.Error("Command failed", "error", err)
		return err
	}
	return nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if raw, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			level = slog.LevelInfo
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// openStore returns the configured engine wrapped in a Fallback. A primary
// that cannot be opened leaves the process running degraded.
func openStore(ctx context.Context, cfg config.StoreConfig) *store.Fallback {
	var (
		primary store.KV
		err     error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		primary, err = store.NewSQLite(cfg.DBPath)
	case config.BackendRedis:
		primary, err = store.NewRedis(ctx, cfg.RedisURL)
	case config.BackendMemory:
		primary = store.NewMemory(nil)
	}
	if err != nil {
		slog.Error("Failed to open store, falling back to memory", "backend", cfg.Backend, "error", err)
		primary = nil
	}

	kv := store.NewFallback(primary, slog.Default())
	if kv.Degraded() {
		slog.Warn("Store running degraded", "backend", cfg.Backend, "last_error", kv.LastError())
	} else {
		slog.Info("Store connected", "backend", cfg.Backend)
	}
	return kv
}

func closeStore(kv store.KV) {
	if err := kv.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}

func sweep(ctx context.Context, cfg *config.Config) error {
	kv := openStore(ctx, cfg.Store)
	defer closeStore(kv)

	if kv.Degraded() {
		return fmt.Errorf("store unavailable: %s", kv.LastError())
	}
	res := relay.NewSweeper(nil, kv, cfg.Relay.SweepInterval, slog.Default()).SweepOnce(ctx)
	slog.Info("Sweep finished", "purged", res.Purged)
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	slog.Info("Starting relay", "port", cfg.Port, "target", cfg.Automation.Target, "store_backend", cfg.Store.Backend)

	kv := openStore(ctx, cfg.Store)
	defer closeStore(kv)

	clientCfg := automation.DefaultGrpcClientConfig()
	clientCfg.Address = cfg.Automation.Addr
	clientCfg.Peer = cfg.Automation.Target
	client, err := automation.NewGrpcClient(clientCfg, logger)
	if err != nil {
		return fmt.Errorf("create automation client: %w", err)
	}

	puppet, err := client.Connect(ctx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("connect puppet: %w", err)
	}
	namespace := puppet.Username
	if namespace == "" {
		namespace = cfg.Automation.SessionName
	}

	actor := automation.NewActor(client, automation.ActorConfig{
		Target: cfg.Automation.Target,
		Rate:   rate.Limit(cfg.Automation.OutboundRate),
		Burst:  cfg.Automation.OutboundBurst,
	}, logger)
	defer func() {
		if closeErr := actor.Close(); closeErr != nil {
			slog.Error("Failed to close automation actor", "error", closeErr)
		}
	}()
	slog.Info("Outbound actor ready",
		"target", actor.Target(),
		"rate", cfg.Automation.OutboundRate,
		"burst", cfg.Automation.OutboundBurst,
		"puppet", namespace)

	hub := delivery.NewHub(cfg.Relay.BacklogSize, cfg.AllowedOrigins, logger)
	hub.SetBacklogTTL(cfg.Relay.SessionTTL)
	dispatcher := relay.NewDispatcher(relay.Stores{
		Sessions: store.NewSessions(kv, cfg.Relay.SessionTTL),
		Requests: store.NewRequests(kv, namespace, cfg.Relay.SessionTTL),
		Seen:     store.NewSeen(kv, namespace, cfg.Relay.SessionTTL),
	}, actor, hub, relay.Options{
		RequestTimeout: cfg.Relay.RequestTimeout,
		JoinRetryDelay: cfg.Relay.JoinRetryDelay,
		StoreTimeout:   cfg.Store.Timeout,
		Logger:         logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	api.NewHealthHandler(kv, cfg.Store.Backend).RegisterHealth(r)
	api.NewHandler(dispatcher, hub, logger).RegisterRoutes(r)

	// WebSocket delivery streams stay open, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.NewPump(dispatcher, cfg.Relay.Workers, logger).Run(gctx, actor.Inbound())
	})
	g.Go(func() error {
		return relay.NewSweeper(dispatcher, kv, cfg.Relay.SweepInterval, logger).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		hub.CloseAll("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
