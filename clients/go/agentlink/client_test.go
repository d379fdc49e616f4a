package agentlink

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/models"
)

// stubServer accepts one registration and checks signatures on every
// /protocols request against the registered key.
func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	var pub ed25519.PublicKey

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		key, err := crypto.ValidatePublicKey(req.PublicKey)
		if err != nil {
			http.Error(w, `{"error":"bad key"}`, http.StatusBadRequest)
			return
		}
		pub = key
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(RegisterResponse{ID: "agent-1", ProfileURL: "/who/agent-1"})
	})

	verified := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			ts, _ := strconv.ParseInt(r.Header.Get(crypto.HeaderTimestamp), 10, 64)
			payload := crypto.SignaturePayload(crypto.BodyHash(body), r.Header.Get(crypto.HeaderNonce), ts)
			if pub == nil || r.Header.Get(crypto.HeaderAgent) != "agent-1" ||
				crypto.VerifySignature(pub, payload, r.Header.Get(crypto.HeaderSignature)) != nil {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid signature"}`))
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("POST /protocols", verified(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Protocol{ID: "p1", SenderID: "agent-1", ReceiverID: "agent-2", Action: "query", Status: models.StatusSent})
	}))
	mux.HandleFunc("GET /protocols", verified(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"protocols": []models.Protocol{{ID: "p1", Status: models.StatusSent}}})
	}))
	mux.HandleFunc("POST /protocols/{id}/respond", verified(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"receiver lacks required capabilities","kind":"validation","missing":["write"]}`))
	}))

	mux.HandleFunc("GET /events", verified(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		data, _ := json.Marshal(events.Event{Topic: events.TopicProtocolRequest, ProtocolID: "p1", AgentID: "agent-1"})
		conn.Write(r.Context(), websocket.MessageText, data)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterSavesCredentials(t *testing.T) {
	t.Setenv("AGENTLINK_CONFIG", t.TempDir())
	srv := stubServer(t)
	ctx := context.Background()

	c := NewClient(srv.URL)
	if _, err := c.Initiate(ctx, InitiateRequest{Receiver: "agent-2"}); err == nil {
		t.Fatal("expected error before registering")
	}

	resp, err := c.Register(ctx, "indexer", "search")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "agent-1" {
		t.Fatalf("id = %s", resp.ID)
	}

	reloaded := NewClient(srv.URL)
	if reloaded.AgentID != "agent-1" || reloaded.Keys == nil {
		t.Fatal("credentials were not persisted")
	}
	if reloaded.Keys.PublicKeyBase64() != c.Keys.PublicKeyBase64() {
		t.Fatal("reloaded key differs")
	}

	// The saved key file is readable by the server's keyring loader.
	kr, err := crypto.LoadKeyring(c.ConfigDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := kr.For("agent-1"); !ok {
		t.Fatal("key file not found by keyring")
	}
}

func TestSignedRequests(t *testing.T) {
	t.Setenv("AGENTLINK_CONFIG", t.TempDir())
	srv := stubServer(t)
	ctx := context.Background()

	c := NewClient(srv.URL)
	if _, err := c.Register(ctx, "indexer"); err != nil {
		t.Fatal(err)
	}

	p, err := c.Initiate(ctx, InitiateRequest{Receiver: "agent-2", Action: "query", Payload: json.RawMessage(`{"q":"x"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "p1" || p.Status != models.StatusSent {
		t.Fatalf("unexpected protocol %+v", p)
	}

	open, err := c.OpenProtocols(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open = %d", len(open))
	}

	// A different key under the same id fails verification.
	c.Keys, _ = crypto.GenerateKeyStore()
	_, err = c.OpenProtocols(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestAPIErrorDetails(t *testing.T) {
	t.Setenv("AGENTLINK_CONFIG", t.TempDir())
	srv := stubServer(t)
	ctx := context.Background()

	c := NewClient(srv.URL)
	if _, err := c.Register(ctx, "indexer"); err != nil {
		t.Fatal(err)
	}

	_, err := c.Respond(ctx, "p1", models.OutcomeAccept, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Kind != "validation" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if len(apiErr.Missing) != 1 || apiErr.Missing[0] != "write" {
		t.Fatalf("missing = %v", apiErr.Missing)
	}
}

func TestWatchSignsUpgrade(t *testing.T) {
	t.Setenv("AGENTLINK_CONFIG", t.TempDir())
	srv := stubServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(srv.URL)
	if err := c.Watch(ctx, func(events.Event) error { return nil }); err == nil {
		t.Fatal("expected error before registering")
	}
	if _, err := c.Register(ctx, "indexer"); err != nil {
		t.Fatal(err)
	}

	stop := errors.New("stop")
	var got events.Event
	err := c.Watch(ctx, func(ev events.Event) error {
		got = ev
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("watch returned %v", err)
	}
	if got.ProtocolID != "p1" || got.Topic != events.TopicProtocolRequest {
		t.Fatalf("event = %+v", got)
	}

	// The stub rejects a key it did not register.
	c.Keys, _ = crypto.GenerateKeyStore()
	err = c.Watch(ctx, func(events.Event) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
