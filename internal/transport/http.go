package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
)

// InboxPath is the route peers accept deliveries on.
const InboxPath = "/inbox"

// HTTP posts deliveries to the peer node hosting the recipient. Each request
// is signed with the sending agent's key.
type HTTP struct {
	client *http.Client
	keys   *crypto.Keyring
	logger zerolog.Logger

	mu       sync.RWMutex
	peers    map[string]string // agent ID -> base URL
	fallback string
}

// NewHTTP creates an HTTP transport. fallback, when set, receives deliveries
// for agents without a specific peer.
func NewHTTP(keys *crypto.Keyring, peers map[string]string, fallback string, logger zerolog.Logger) *HTTP {
	t := &HTTP{
		client:   &http.Client{Timeout: 30 * time.Second},
		keys:     keys,
		peers:    make(map[string]string, len(peers)),
		fallback: strings.TrimRight(fallback, "/"),
		logger:   logger.With().Str("transport", "http").Logger(),
	}
	for id, url := range peers {
		t.peers[id] = strings.TrimRight(url, "/")
	}
	return t
}

// SetPeer routes deliveries for agentID to baseURL.
func (t *HTTP) SetPeer(agentID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[agentID] = strings.TrimRight(baseURL, "/")
}

func (t *HTTP) peerFor(agentID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if url, ok := t.peers[agentID]; ok {
		return url, true
	}
	return t.fallback, t.fallback != ""
}

// Send posts d to the recipient's node.
func (t *HTTP) Send(ctx context.Context, d *models.Delivery) error {
	base, ok := t.peerFor(d.To)
	if !ok {
		return fmt.Errorf("no peer for agent %s", d.To)
	}
	signer, ok := t.keys.For(d.From)
	if !ok {
		return fmt.Errorf("no signing key for agent %s", d.From)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+InboxPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := crypto.SignRequest(req.Header, d.From, signer, body); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return fmt.Errorf("peer %s returned %d: %s", base, resp.StatusCode, errResp.Error)
	}

	metrics.DeliveriesSent.WithLabelValues("http", string(d.Type)).Inc()
	t.logger.Debug().
		Str("protocol_id", d.ProtocolID).
		Str("peer", base).
		Msg("delivery posted")
	return nil
}
