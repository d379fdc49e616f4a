// Package agentlink provides a client for the AgentLink HTTP API.
package agentlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/models"
)

// Client is an AgentLink API client acting as one agent.
type Client struct {
	BaseURL    string
	ConfigDir  string // holds agent.json and <agent-id>.key
	AgentID    string
	Keys       *crypto.LocalKeyStore
	HTTPClient *http.Client
}

// Config holds agent configuration.
type Config struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status   int
	Message  string
	Kind     string
	Missing  []string
	Required *float64
	Current  *float64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agentlink error %d: %s", e.Status, e.Message)
}

// NewClient creates a new client and loads saved credentials if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("AGENTLINK_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".agentlink")
	}

	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "agent.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	ks, err := crypto.LoadKeyStore(filepath.Join(c.ConfigDir, config.ID+".key"))
	if err != nil {
		return err
	}

	c.AgentID = config.ID
	c.Keys = ks
	return nil
}

// SaveConfig saves agent credentials to disk. The key file has the format
// the server reads from KEY_DIR.
func (c *Client) SaveConfig() error {
	if _, err := crypto.SaveKeyStore(c.ConfigDir, c.AgentID, c.Keys); err != nil {
		return err
	}

	data, _ := json.MarshalIndent(Config{ID: c.AgentID, PublicKey: c.Keys.PublicKeyBase64()}, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600)
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.Keys == nil || c.AgentID == "" {
			return fmt.Errorf("not registered: no agent credentials in %s", c.ConfigDir)
		}
		if err := crypto.SignRequest(req.Header, c.AgentID, c.Keys, body); err != nil {
			return err
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error    string   `json:"error"`
			Kind     string   `json:"kind"`
			Missing  []string `json:"missing"`
			Required *float64 `json:"required"`
			Current  *float64 `json:"current"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{
			Status:   resp.StatusCode,
			Message:  errResp.Error,
			Kind:     errResp.Kind,
			Missing:  errResp.Missing,
			Required: errResp.Required,
			Current:  errResp.Current,
		}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterRequest is the request body for agent registration.
type RegisterRequest struct {
	PublicKey    string   `json:"public_key"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterResponse is the response from agent registration.
type RegisterResponse struct {
	ID         string `json:"id"`
	ProfileURL string `json:"profile_url"`
}

// Register generates a key, registers it and saves the credentials.
func (c *Client) Register(ctx context.Context, name string, capabilities ...string) (*RegisterResponse, error) {
	ks, err := crypto.GenerateKeyStore()
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	req := RegisterRequest{PublicKey: ks.PublicKeyBase64(), Name: name, Capabilities: capabilities}
	if err := c.doRequest(ctx, http.MethodPost, "/register", req, &resp, false); err != nil {
		return nil, err
	}

	c.AgentID = resp.ID
	c.Keys = ks
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AgentProfile represents an agent's profile.
type AgentProfile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	PublicKey    string   `json:"public_key"`
	Capabilities []string `json:"capabilities"`
	TrustScore   float64  `json:"trust_score"`
	JoinedAt     string   `json:"joined_at"`
}

// GetAgent gets an agent's profile.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*AgentProfile, error) {
	var resp AgentProfile
	if err := c.doRequest(ctx, http.MethodGet, "/who/"+url.PathEscape(agentID), nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrustScore returns an agent's current trust score.
func (c *Client) TrustScore(ctx context.Context, agentID string) (float64, error) {
	var resp struct {
		Score float64 `json:"score"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/trust/"+url.PathEscape(agentID), nil, &resp, false); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

// InitiateRequest opens a protocol with another agent.
type InitiateRequest struct {
	Receiver             string          `json:"receiver"`
	Action               string          `json:"action"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	MinimumTrustScore    *float64        `json:"minimum_trust_score,omitempty"`
	TimeoutMs            int64           `json:"timeout_ms,omitempty"`
}

// Initiate opens a protocol as this agent.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*models.Protocol, error) {
	var p models.Protocol
	if err := c.doRequest(ctx, http.MethodPost, "/protocols", req, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// Respond answers a protocol addressed to this agent.
func (c *Client) Respond(ctx context.Context, protocolID string, outcome models.Outcome, payload json.RawMessage) (*models.Protocol, error) {
	req := struct {
		Payload json.RawMessage `json:"payload,omitempty"`
		Outcome models.Outcome  `json:"outcome"`
	}{payload, outcome}

	var p models.Protocol
	if err := c.doRequest(ctx, http.MethodPost, "/protocols/"+url.PathEscape(protocolID)+"/respond", req, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// Protocol fetches one protocol this agent takes part in.
func (c *Client) Protocol(ctx context.Context, protocolID string) (*models.Protocol, error) {
	var p models.Protocol
	if err := c.doRequest(ctx, http.MethodGet, "/protocols/"+url.PathEscape(protocolID), nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenProtocols lists this agent's non-terminal protocols.
func (c *Client) OpenProtocols(ctx context.Context) ([]*models.Protocol, error) {
	var resp struct {
		Protocols []*models.Protocol `json:"protocols"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/protocols", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Protocols, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status          string                    `json:"status"`
	Version         string                    `json:"version"`
	ProtocolVersion string                    `json:"protocol_version"`
	Checks          map[string]map[string]any `json:"checks"`
	Timestamp       string                    `json:"timestamp"`
}

// Health checks server health. A degraded server still returns its report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp, false)
	if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusServiceUnavailable {
		return &HealthResponse{Status: "degraded"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch streams events about this agent until ctx is cancelled or fn
// returns an error. With no topics every topic is streamed.
func (c *Client) Watch(ctx context.Context, fn func(events.Event) error, topics ...events.Topic) error {
	if c.Keys == nil || c.AgentID == "" {
		return fmt.Errorf("not registered: no agent credentials in %s", c.ConfigDir)
	}

	u, err := url.Parse(c.BaseURL + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(topics) > 0 {
		q := url.Values{}
		for _, t := range topics {
			q.Add("topic", string(t))
		}
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if err := crypto.SignRequest(header, c.AgentID, c.Keys, nil); err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
