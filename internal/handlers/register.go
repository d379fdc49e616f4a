package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/eldtechnologies/agentlink/internal/crypto"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	PublicKey    string   `json:"public_key"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse represents the registration response.
type RegisterResponse struct {
	ID         string `json:"id"`
	ProfileURL string `json:"profile_url"`
}

// Register handles agent registration. Registering a known public key is
// idempotent and returns the existing ID.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.PublicKey == "" {
		h.Error(w, http.StatusBadRequest, "public_key is required")
		return
	}
	if _, err := crypto.ValidatePublicKey(req.PublicKey); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid public_key: must be base64-encoded Ed25519 public key (32 bytes)")
		return
	}

	name := sanitizeName(req.Name)
	caps, bad := normalizeCapabilities(req.Capabilities)
	if bad != "" {
		h.Error(w, http.StatusBadRequest, fmt.Sprintf("invalid capability %q", bad))
		return
	}

	existing, err := h.store.GetAgentByPublicKey(r.Context(), req.PublicKey)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil {
		h.JSON(w, http.StatusOK, RegisterResponse{
			ID:         existing.ID,
			ProfileURL: fmt.Sprintf("/who/%s", existing.ID),
		})
		return
	}

	agent, err := h.store.CreateAgent(r.Context(), req.PublicKey, name, caps)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to create agent")
		h.Error(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	// Nodes sharing Redis read capabilities from there.
	if h.redis != nil && len(caps) > 0 {
		if err := h.redis.SetCapabilities(r.Context(), agent.ID, caps...); err != nil {
			h.logger.Warn().Err(err).Str("agent", agent.ID).Msg("failed to mirror capabilities")
		}
	}

	h.logger.Info().Str("agent", agent.ID).Strs("capabilities", caps).Msg("agent registered")

	h.JSON(w, http.StatusCreated, RegisterResponse{
		ID:         agent.ID,
		ProfileURL: fmt.Sprintf("/who/%s", agent.ID),
	})
}
