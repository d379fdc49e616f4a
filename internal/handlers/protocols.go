package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/agentlink/internal/api/middleware"
	"github.com/eldtechnologies/agentlink/internal/models"
	"github.com/eldtechnologies/agentlink/internal/protocol"
)

const maxTimeout = 24 * time.Hour

// InboxResponse acknowledges an inbound delivery.
type InboxResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
}

// Inbox accepts a delivery from a peer node. The signing agent must be the
// delivery's sender. Processing is asynchronous so a node can deliver to
// itself without waiting on its own lock.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())

	var d models.Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if d.From != agent.ID {
		h.Error(w, http.StatusForbidden, "delivery sender does not match signing agent")
		return
	}
	if d.ProtocolID == "" || d.To == "" || !d.Envelope.Complete() {
		h.Error(w, http.StatusBadRequest, "incomplete delivery")
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if err := h.coord.HandleDelivery(context.Background(), &d); err != nil {
			h.logger.Debug().
				Err(err).
				Str("protocol_id", d.ProtocolID).
				Str("delivery_id", d.ID).
				Msg("inbound delivery rejected")
		}
	}()

	h.JSON(w, http.StatusAccepted, InboxResponse{Status: "accepted", DeliveryID: d.ID})
}

// InitiateRequest is the body of POST /protocols.
type InitiateRequest struct {
	Receiver             string          `json:"receiver"`
	Action               string          `json:"action"`
	Payload              json.RawMessage `json:"payload"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	MinimumTrustScore    *float64        `json:"minimum_trust_score"`
	TimeoutMs            int64           `json:"timeout_ms"`
}

// Initiate opens a protocol from the signing agent.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())

	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout < 0 || timeout > maxTimeout {
		h.Error(w, http.StatusBadRequest, "timeout_ms out of range")
		return
	}

	p, err := h.coord.Initiate(r.Context(), agent.ID, req.Receiver, req.Action, req.Payload, protocol.Options{
		RequiredCapabilities: req.RequiredCapabilities,
		MinimumTrustScore:    req.MinimumTrustScore,
		Timeout:              timeout,
	})
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, p)
}

// RespondRequest is the body of POST /protocols/{id}/respond.
type RespondRequest struct {
	Payload json.RawMessage `json:"payload"`
	Outcome models.Outcome  `json:"outcome"`
}

// Respond answers a protocol on behalf of the signing agent.
func (h *Handler) Respond(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.coord.Respond(r.Context(), id, agent.ID, req.Payload, req.Outcome); err != nil {
		h.Fail(w, err)
		return
	}
	p, err := h.coord.Get(r.Context(), id)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// GetProtocol returns a protocol to one of its participants.
func (h *Handler) GetProtocol(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())

	p, err := h.coord.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, err)
		return
	}
	if !p.Involves(agent.ID) {
		h.Error(w, http.StatusForbidden, "not a participant")
		return
	}
	h.JSON(w, http.StatusOK, p)
}

// ListProtocols returns the signing agent's open protocols.
func (h *Handler) ListProtocols(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())

	open, err := h.coord.Open(r.Context(), agent.ID)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if open == nil {
		open = []*models.Protocol{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"protocols": open})
}
