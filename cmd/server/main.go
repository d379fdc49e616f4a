package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/api"
	"github.com/eldtechnologies/agentlink/internal/api/middleware"
	"github.com/eldtechnologies/agentlink/internal/capability"
	"github.com/eldtechnologies/agentlink/internal/config"
	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/handlers"
	"github.com/eldtechnologies/agentlink/internal/protocol"
	"github.com/eldtechnologies/agentlink/internal/ratelimit"
	"github.com/eldtechnologies/agentlink/internal/store"
	"github.com/eldtechnologies/agentlink/internal/transport"
	"github.com/eldtechnologies/agentlink/internal/trust"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Directory and protocol store: Postgres when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dataStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		dataStore = sqliteStore
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer dataStore.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	keys := loadKeys(ctx, cfg.KeyDir, dataStore, logger)

	bus := events.NewBus(logger, 0)

	var trustStore trust.Store = trust.NewMemoryStore(nil)
	var limiter ratelimit.Limiter = ratelimit.NewLocal(cfg.RateLimitRequests, cfg.RateLimitWindow)
	var capSource capability.Source = dataStore
	if redisStore != nil {
		trustStore = trust.NewRedisStore(redisStore.Client())
		limiter = ratelimit.NewRedis(redisStore.Client(), cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.Transport == config.TransportRedis {
		capSource = redisStore
	}
	trustRegistry := trust.NewRegistry(trustStore, bus, logger)

	var (
		tr       protocol.Transport
		loopback *transport.Loopback
		inbox    *transport.RedisInbox
	)
	switch cfg.Transport {
	case config.TransportRedis:
		inbox = transport.NewRedisInbox(redisStore, 0, logger)
		tr = inbox
	case config.TransportHTTP:
		peers := make(map[string]string, len(cfg.PeerURLs))
		for id, url := range cfg.PeerURLs {
			if id != "*" {
				peers[id] = url
			}
		}
		tr = transport.NewHTTP(keys, peers, cfg.PeerURLs["*"], logger)
	default:
		loopback = transport.NewLoopback(logger)
		tr = loopback
	}

	coord, err := protocol.NewCoordinator(protocol.Config{
		Directory:    dataStore,
		Store:        dataStore,
		Keys:         keys,
		Capabilities: capability.NewRegistry(capSource),
		Trust:        trustRegistry,
		Bus:          bus,
		Limiter:      limiter,
		Transport:    tr,
		Version:      cfg.ProtocolVersion,
		Logger:       logger,

		DefaultTimeout: cfg.ProtocolTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("coordinator setup failed")
	}
	defer coord.Close()

	// Timers do not survive a restart; rebuild them from stored deadlines.
	if _, err := coord.Resume(ctx, keys.Agents()); err != nil {
		logger.Error().Err(err).Msg("failed to resume protocol timeouts")
	}

	inboxDone := make(chan struct{})
	switch {
	case loopback != nil:
		loopback.Handle(coord.HandleDelivery)
		close(inboxDone)
	case inbox != nil:
		go func() {
			defer close(inboxDone)
			if err := inbox.Run(ctx, keys.Agents(), coord.HandleDelivery); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("inbox poller stopped")
			}
		}()
	default:
		close(inboxDone)
	}

	h := handlers.NewHandler(dataStore, redisStore, coord, trustRegistry, bus, logger)

	// Create router
	router := api.NewRouter(api.Options{
		Handler: h,
		Store:   dataStore,
		Redis:   redisStore,
		Logger:  logger,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server. No write timeout: /events streams are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("transport", cfg.Transport).
			Str("protocol_version", coord.Version()).
			Int("hosted_agents", len(keys.Agents())).
			Msg("starting AgentLink server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	stop()
	<-inboxDone
	h.Wait()
	if loopback != nil {
		loopback.Wait()
	}

	logger.Info().Msg("server stopped")
}

// loadKeys reads the hosted agents' keys. A missing directory means this node
// hosts no agents and only serves the directory and event stream.
func loadKeys(ctx context.Context, dir string, dirStore store.Directory, logger zerolog.Logger) *crypto.Keyring {
	keys, err := crypto.LoadKeyring(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn().Str("dir", dir).Msg("key directory not found; no agents hosted")
		return crypto.NewKeyring()
	case err != nil:
		logger.Fatal().Err(err).Str("dir", dir).Msg("failed to load agent keys")
	}

	for _, id := range keys.Agents() {
		agent, err := dirStore.GetAgent(ctx, id)
		if err != nil {
			logger.Fatal().Err(err).Str("agent", id).Msg("directory lookup failed")
		}
		ks, _ := keys.For(id)
		local, ok := ks.(*crypto.LocalKeyStore)
		switch {
		case agent == nil:
			logger.Warn().Str("agent", id).Msg("hosted agent is not registered")
		case ok && agent.PublicKey != local.PublicKeyBase64():
			logger.Fatal().Str("agent", id).Msg("hosted key does not match the registered public key")
		default:
			logger.Info().Str("agent", id).Msg("hosting agent")
		}
	}
	return keys
}
