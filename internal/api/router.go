package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/api/middleware"
	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/handlers"
	"github.com/eldtechnologies/agentlink/internal/store"
	"github.com/eldtechnologies/agentlink/internal/transport"
)

// maxBody bounds request bodies; deliveries carry base64 envelopes.
const maxBody = 256 * 1024

// Options configures the router.
type Options struct {
	Handler *handlers.Handler
	Store   store.DataStore
	Redis   *store.RedisStore // optional; enables shared nonces and HTTP rate limits
	Logger  zerolog.Logger

	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts Options) *chi.Mux {
	r := chi.NewRouter()
	h := opts.Handler

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBody))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(opts.Logger))
	r.Use(chimw.Recoverer)

	var nonces middleware.NonceGuard
	if opts.Redis != nil {
		limiter := middleware.NewRateLimiter(opts.Redis.Client(), opts.Logger, opts.RateLimit)
		r.Use(limiter.Middleware)
		nonces = opts.Redis
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", crypto.HeaderAgent, crypto.HeaderNonce, crypto.HeaderTimestamp, crypto.HeaderSignature},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(opts.Store, nonces)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/register", h.Register)
	r.Get("/who/{id}", h.Who)
	r.Get("/trust/{id}", h.Trust)

	// Authenticated routes (require signature)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post(transport.InboxPath, h.Inbox)
		r.Post("/protocols", h.Initiate)
		r.Get("/protocols", h.ListProtocols)
		r.Get("/protocols/{id}", h.GetProtocol)
		r.Post("/protocols/{id}/respond", h.Respond)
		r.Get(middleware.EventsPath, h.Events)
	})

	return r
}
