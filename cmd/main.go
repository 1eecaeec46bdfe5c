/**
 * @description
 * This is the main entry point for the session agent: the long-running
 * local process that owns authentication state for the Transfa app. It
 * wires the storage media (with the one-time policy migration), the
 * attempt governor, the ceremony client, the lifecycle controller, the
 * logout broadcast producer/consumer, the expiry sweep, and the local HTTP
 * surface, then runs the boot flow and serves until shutdown.
 */
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/session-agent/internal/api"
	"github.com/transfa/session-agent/internal/app"
	"github.com/transfa/session-agent/internal/config"
	"github.com/transfa/session-agent/internal/store"
	"github.com/transfa/session-agent/pkg/authclient"
	"github.com/transfa/session-agent/pkg/authenticator"
	"github.com/transfa/session-agent/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// If a platform-provided PORT is set, prefer it
	if port := os.Getenv("PORT"); port != "" {
		cfg.ServerPort = port
	}

	ctx := context.Background()

	// Storage media. The volatile medium always exists; the durable one
	// needs Redis.
	volatile := store.NewMemoryMedium()
	var durable store.Medium
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("unable to parse redis URL", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("unable to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		durable = store.NewRedisMedium(client, time.Duration(cfg.SessionTTLHours)*time.Hour)
		logger.Info("redis connection established")
	}

	// Select the active medium per policy and run the one-time migration
	// so a session written under the previous policy is not lost. The
	// migration is idempotent; running it with nothing stale is a no-op.
	active := store.Medium(volatile)
	if cfg.StoragePolicy == config.StorageDurable {
		active = durable
		if err := store.Migrate(ctx, volatile, durable, store.MigrationKeys()); err != nil {
			logger.Warn("storage migration failed", "error", err)
		}
	} else if durable != nil {
		if err := store.Migrate(ctx, durable, volatile, store.MigrationKeys()); err != nil {
			logger.Warn("storage migration failed", "error", err)
		}
	}

	var sealer *store.Sealer
	if cfg.SessionSealKey != "" {
		sealer, err = store.NewSealer(cfg.SessionSealKey)
		if err != nil {
			logger.Error("invalid session seal key", "error", err)
			os.Exit(1)
		}
	}

	sessions := store.NewSessionStore(active, sealer, logger)
	credentials := store.NewCredentialStore(active)

	governor := app.NewAttemptGovernor(
		cfg.LockoutMaxAttempts,
		time.Duration(cfg.LockoutSeconds)*time.Second,
		logger,
	)

	backend := authclient.NewClient(cfg.AuthAPIBaseURL, time.Duration(cfg.AuthRequestTimeoutSeconds)*time.Second)
	platform := authenticator.NewHelperAuthenticator(cfg.BiometricHelperPath)

	ceremonies := app.NewCeremonyClient(
		backend,
		platform,
		sessions,
		credentials,
		governor,
		time.Duration(cfg.CapabilityProbeTTLSeconds)*time.Second,
		logger,
	)

	// Logout broadcast producer with bounded dial timeout; fall back to a
	// no-op publisher so the agent still works without the broker.
	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL == "" {
		publisher = &rabbitmq.NoopPublisher{}
	} else if p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("failed to connect to RabbitMQ at startup, continuing without broadcast", "error", err)
		publisher = &rabbitmq.NoopPublisher{}
	} else {
		publisher = p
		defer publisher.Close()
		logger.Info("RabbitMQ producer connected")
	}

	controller := app.NewLifecycleController(
		sessions,
		credentials,
		ceremonies,
		governor,
		publisher,
		cfg.SessionExchange,
		time.Duration(cfg.TokenExpiryMarginSeconds)*time.Second,
		logger,
	)

	// Consume logout broadcasts from other app surfaces.
	if cfg.RabbitMQURL != "" {
		if consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL); err != nil {
			logger.Warn("failed to start logout broadcast consumer", "error", err)
		} else {
			defer consumer.Close()
			go func() {
				if err := consumer.Consume(cfg.SessionExchange, "session.logout.#", controller.HandleLogoutBroadcast); err != nil {
					logger.Warn("logout broadcast consumer stopped", "error", err)
				}
			}()
		}
	}

	initial := controller.Boot(ctx)
	logger.Info("boot flow complete", "state", initial)

	sweep, err := controller.StartExpirySweep(cfg.ExpirySweepSchedule)
	if err != nil {
		logger.Error("failed to schedule expiry sweep", "error", err)
		os.Exit(1)
	}
	defer sweep.Stop()

	handler := api.NewHandler(controller, ceremonies, credentials)
	router := api.NewRouter(handler, cfg.CORSAllowedOrigin)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Info("session agent listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("could not start server", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down session agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("session agent stopped")
}
