package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/errs"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/protocol"
	"github.com/eldtechnologies/agentlink/internal/store"
	"github.com/eldtechnologies/agentlink/internal/trust"
)

// capabilityRegex bounds capability tokens to simple identifiers.
var capabilityRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._:\-]{0,63}$`)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	redis  *store.RedisStore // nil when Redis is not configured
	coord  *protocol.Coordinator
	trust  *trust.Registry
	bus    *events.Bus
	logger zerolog.Logger

	inflight sync.WaitGroup // inbound deliveries still being processed
}

// NewHandler creates a new Handler.
func NewHandler(ds store.DataStore, redis *store.RedisStore, coord *protocol.Coordinator, tr *trust.Registry, bus *events.Bus, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  ds,
		redis:  redis,
		coord:  coord,
		trust:  tr,
		bus:    bus,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Wait blocks until accepted inbound deliveries have been processed.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body for classified failures.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Kind     string   `json:"kind,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Required *float64 `json:"required,omitempty"`
	Current  *float64 `json:"current,omitempty"`
}

// Fail maps err to a status code. Unclassified errors are logged and
// reported as internal.
func (h *Handler) Fail(w http.ResponseWriter, err error) {
	e, ok := errs.As(err)
	if !ok {
		h.logger.Error().Err(err).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := ErrorResponse{Error: e.Detail, Kind: string(e.Kind), Missing: e.Missing}
	if e.Required != 0 || e.Current != 0 {
		resp.Required, resp.Current = &e.Required, &e.Current
	}
	h.JSON(w, statusFor(e.Kind), resp)
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindCrypto:
		return http.StatusUnauthorized
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if len(name) > 100 {
		name = name[:100]
	}

	return name
}

// normalizeCapabilities lowercases, validates and dedupes tokens, keeping
// first-seen order. It returns the first invalid token, if any.
func normalizeCapabilities(tokens []string) ([]string, string) {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if !capabilityRegex.MatchString(t) {
			return nil, t
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, ""
}
