package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// WhoResponse represents the agent profile response.
type WhoResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	PublicKey    string   `json:"public_key"`
	Capabilities []string `json:"capabilities"`
	TrustScore   float64  `json:"trust_score"`
	JoinedAt     string   `json:"joined_at"`
}

// Who handles agent profile lookup.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if agent == nil {
		h.Error(w, http.StatusNotFound, "agent not found")
		return
	}

	caps, err := h.store.Capabilities(r.Context(), agent.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	score, err := h.trust.Score(r.Context(), agent.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "trust lookup failed")
		return
	}
	if caps == nil {
		caps = []string{}
	}

	h.JSON(w, http.StatusOK, WhoResponse{
		ID:           agent.ID,
		Name:         agent.Name,
		PublicKey:    agent.PublicKey,
		Capabilities: caps,
		TrustScore:   score,
		JoinedAt:     agent.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// TrustResponse is the body of GET /trust/{id}.
type TrustResponse struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Trust returns an agent's current trust score.
func (h *Handler) Trust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.store.Exists(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if !ok {
		h.Error(w, http.StatusNotFound, "agent not found")
		return
	}

	score, err := h.trust.Score(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "trust lookup failed")
		return
	}
	h.JSON(w, http.StatusOK, TrustResponse{AgentID: id, Score: score})
}
