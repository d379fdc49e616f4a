package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/models"
	"github.com/eldtechnologies/agentlink/internal/store"
)

type contextKey string

const AgentContextKey contextKey = "agent"

const nonceTTL = 3 * time.Minute

// NonceGuard remembers nonces so a signed request cannot be replayed.
// store.RedisStore implements it for multi-node deployments.
type NonceGuard interface {
	// ClaimNonce atomically records the nonce and reports whether it was new.
	ClaimNonce(ctx context.Context, agentID, nonce string, ttl time.Duration) (bool, error)
}

// AuthMiddleware handles signature verification for authenticated endpoints.
type AuthMiddleware struct {
	dir    store.Directory
	nonces NonceGuard
	window time.Duration
}

// NewAuthMiddleware creates a new auth middleware. A nil guard keeps nonces
// in process memory.
func NewAuthMiddleware(dir store.Directory, nonces NonceGuard) *AuthMiddleware {
	if nonces == nil {
		nonces = NewMemoryNonces()
	}
	return &AuthMiddleware{
		dir:    dir,
		nonces: nonces,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
	}
}

// RequireAuth middleware verifies Ed25519 signatures on requests.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract headers
		agentID := r.Header.Get(crypto.HeaderAgent)
		nonce := r.Header.Get(crypto.HeaderNonce)
		timestamp := r.Header.Get(crypto.HeaderTimestamp)
		signature := r.Header.Get(crypto.HeaderSignature)

		// Validate all headers present
		if agentID == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		// Parse and validate timestamp
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		if len(nonce) < crypto.MinNonceLength {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		agent, err := m.dir.GetAgent(r.Context(), agentID)
		if err != nil || agent == nil {
			jsonError(w, http.StatusUnauthorized, "agent not found")
			return
		}

		// Read body and compute hash
		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		signedData := crypto.SignaturePayload(crypto.BodyHash(body), nonce, ts)
		pubkey, err := crypto.ValidatePublicKey(agent.PublicKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid agent public key")
			return
		}
		if err := crypto.VerifySignature(pubkey, signedData, signature); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Claimed only after the signature checks out, so forged requests
		// cannot burn an agent's nonces.
		fresh, err := m.nonces.ClaimNonce(r.Context(), agentID, nonce, nonceTTL)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "nonce check unavailable")
			return
		}
		if !fresh {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := time.Now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

// MemoryNonces is a single-node NonceGuard.
type MemoryNonces struct {
	mu     sync.Mutex
	seen   map[string]time.Time // key -> expiry
	sweeps int
}

// NewMemoryNonces creates an empty guard.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time)}
}

// ClaimNonce implements NonceGuard.
func (n *MemoryNonces) ClaimNonce(_ context.Context, agentID, nonce string, ttl time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	key := agentID + ":" + nonce
	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	n.seen[key] = now.Add(ttl)

	n.sweeps++
	if n.sweeps%256 == 0 {
		for k, exp := range n.seen {
			if now.After(exp) {
				delete(n.seen, k)
			}
		}
	}
	return true, nil
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetAgentFromContext retrieves the authenticated agent from the request context.
func GetAgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(AgentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}
