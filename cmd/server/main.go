package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/0Andriy/livemap/internal/broker"
	"github.com/0Andriy/livemap/internal/config"
	"github.com/0Andriy/livemap/internal/coordination"
	"github.com/0Andriy/livemap/internal/httpserver"
	"github.com/0Andriy/livemap/internal/logging"
	"github.com/0Andriy/livemap/internal/realtime"
	"github.com/0Andriy/livemap/internal/state"
)

const registryHeartbeat = 15 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// identityFromTokens builds the development identity resolver from the
// static token map in the environment.
func identityFromTokens(tokens map[string]string) realtime.IdentityResolver {
	return func(_ context.Context, token string) (string, error) {
		user, ok := tokens[token]
		if !ok {
			return "", errors.New("unknown credential token")
		}
		return user, nil
	}
}

func runGracefulShutdown(cfg *config.Config, httpSrv *httpserver.Server, rt *realtime.Server, br broker.Broker, stopRegistry context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting new HTTP work first, then drain the realtime
		// engine, then drop the broker transport.
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		if err := rt.Close(shutdownCtx); err != nil {
			slog.Error("Realtime server shutdown error", "error", err)
		}
		if err := br.Close(); err != nil {
			slog.Error("Broker close error", "error", err)
		}
		stopRegistry()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "server_id", cfg.ServerID)

	var (
		brokerAdapter broker.Broker
		stateAdapter  state.Adapter
		redisClient   *goredis.Client
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()
		brokerAdapter = broker.NewRedis(redisClient)
		stateAdapter = state.NewRedis(redisClient)
		slog.Info("Running in distributed mode")
	} else {
		brokerAdapter = broker.NewMemory()
		stateAdapter = state.NewMemory()
		slog.Info("Running in single-instance mode with in-memory adapters")
	}

	rt := realtime.NewServer(realtime.Options{
		ServerID:     cfg.ServerID,
		BasePath:     cfg.BasePath,
		Broker:       brokerAdapter,
		State:        stateAdapter,
		Clock:        clock,
		PingInterval: cfg.PingInterval,
	})
	if len(cfg.AuthTokens) > 0 {
		rt.Use(realtime.Authenticate(identityFromTokens(cfg.AuthTokens)))
	}
	rt.Start()

	readiness := map[string]httpserver.ReadinessCheck{}
	registryCtx, stopRegistry := context.WithCancel(context.Background())
	defer stopRegistry()
	if redisClient != nil {
		readiness["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}

		registry := coordination.NewRegistry(redisClient, cfg.ServerID, cfg.BasePath, registryHeartbeat, clock)
		go registry.Run(registryCtx)
	}

	httpSrv := httpserver.NewServer(cfg, rt, readiness)

	done := runGracefulShutdown(cfg, httpSrv, rt, brokerAdapter, stopRegistry)

	slog.Info("Server starting", "port", cfg.Port)
	if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
