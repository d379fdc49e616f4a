package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/eldtechnologies/agentlink/internal/api/middleware"
	"github.com/eldtechnologies/agentlink/internal/events"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// Events streams bus events about the signing agent over a websocket.
// Events carry decrypted payloads, so nothing about other agents is sent.
// ?topic= may be repeated.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	agentID := agent.ID

	topics := events.Topics
	if requested := r.URL.Query()["topic"]; len(requested) > 0 {
		topics = topics[:0:0]
		for _, t := range requested {
			topics = append(topics, events.Topic(t))
		}
	}

	ch := make(chan events.Event, streamBuffer)
	var unsubs []func()
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for _, t := range topics {
		unsub, err := h.bus.Subscribe(t, func(_ context.Context, ev events.Event) error {
			if !concerns(ev, agentID) {
				return nil
			}
			select {
			case ch <- ev:
			default:
				return errors.New("event stream buffer full")
			}
			return nil
		})
		switch {
		case errors.Is(err, events.ErrUnknownTopic):
			h.Error(w, http.StatusBadRequest, "unknown topic "+string(t))
			return
		case err != nil:
			h.Error(w, http.StatusServiceUnavailable, "too many event streams")
			return
		}
		unsubs = append(unsubs, unsub)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug().Str("agent", agentID).Msg("event stream opened")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug().Str("agent", agentID).Msg("event stream closed")
			return
		case ev := <-ch:
			if ev.Err != nil {
				ev.Error = ev.Err.Error()
			}
			if ev.Time.IsZero() {
				ev.Time = time.Now()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error().Err(err).Msg("failed to encode event")
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) == -1 {
					h.logger.Debug().Err(err).Msg("event stream write failed")
				}
				return
			}
		}
	}
}

// concerns reports whether ev involves agentID.
func concerns(ev events.Event, agentID string) bool {
	if ev.AgentID == agentID {
		return true
	}
	if m := ev.Message; m != nil {
		return m.Metadata.Sender == agentID || m.Metadata.Receiver == agentID
	}
	if d := ev.Delivery; d != nil {
		return d.From == agentID || d.To == agentID
	}
	return false
}
