package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/capability"
	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/handlers"
	"github.com/eldtechnologies/agentlink/internal/models"
	"github.com/eldtechnologies/agentlink/internal/protocol"
	"github.com/eldtechnologies/agentlink/internal/store"
	"github.com/eldtechnologies/agentlink/internal/transport"
	"github.com/eldtechnologies/agentlink/internal/trust"
)

type testServer struct {
	srv     *httptest.Server
	keys    *crypto.Keyring
	http    *transport.HTTP
	handler *handlers.Handler
}

// newTestServer runs a node whose HTTP transport delivers back to itself.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	keys := crypto.NewKeyring()
	bus := events.NewBus(zerolog.Nop(), 0)
	reg := trust.NewRegistry(trust.NewMemoryStore(nil), bus, zerolog.Nop())
	tr := transport.NewHTTP(keys, nil, "", zerolog.Nop())

	coord, err := protocol.NewCoordinator(protocol.Config{
		Directory:    st,
		Store:        st,
		Keys:         keys,
		Capabilities: capability.NewRegistry(st),
		Trust:        reg,
		Bus:          bus,
		Transport:    tr,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	h := handlers.NewHandler(st, nil, coord, reg, bus, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(Options{Handler: h, Store: st, Logger: zerolog.Nop()}))
	t.Cleanup(func() {
		h.Wait()
		srv.Close()
		coord.Close()
	})

	return &testServer{srv: srv, keys: keys, http: tr, handler: h}
}

// register creates an agent through the API and hosts its key locally.
func (s *testServer) register(t *testing.T, caps ...string) (string, *crypto.LocalKeyStore) {
	t.Helper()
	ks, err := crypto.GenerateKeyStore()
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(handlers.RegisterRequest{PublicKey: ks.PublicKeyBase64(), Capabilities: caps})
	resp, err := http.Post(s.srv.URL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var out handlers.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	s.keys.Add(out.ID, ks)
	s.http.SetPeer(out.ID, s.srv.URL)
	return out.ID, ks
}

func (s *testServer) do(t *testing.T, method, path, agentID string, ks *crypto.LocalKeyStore, payload any) (*http.Response, []byte) {
	t.Helper()
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if ks != nil {
		if err := crypto.SignRequest(req.Header, agentID, ks, body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

// dialEvents opens the event stream, signed as agentID when ks is set.
func (s *testServer) dialEvents(ctx context.Context, query, agentID string, ks *crypto.LocalKeyStore) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if ks != nil {
		if err := crypto.SignRequest(header, agentID, ks, nil); err != nil {
			return nil, nil, err
		}
	}
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/events" + query
	return websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var health handlers.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.ProtocolVersion != protocol.DefaultVersion {
		t.Fatalf("unexpected health %+v", health)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestRegister_Idempotent(t *testing.T) {
	s := newTestServer(t)
	ks, _ := crypto.GenerateKeyStore()
	req := handlers.RegisterRequest{PublicKey: ks.PublicKeyBase64(), Name: "indexer", Capabilities: []string{"Search", "search"}}

	resp, body := s.do(t, http.MethodPost, "/register", "", nil, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var first handlers.RegisterResponse
	json.Unmarshal(body, &first)

	resp, body = s.do(t, http.MethodPost, "/register", "", nil, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second register status = %d", resp.StatusCode)
	}
	var second handlers.RegisterResponse
	json.Unmarshal(body, &second)
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}

	resp, body = s.do(t, http.MethodGet, "/who/"+first.ID, "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("who status = %d", resp.StatusCode)
	}
	var who handlers.WhoResponse
	json.Unmarshal(body, &who)
	if who.Name != "indexer" || len(who.Capabilities) != 1 || who.Capabilities[0] != "search" {
		t.Fatalf("unexpected profile %+v", who)
	}

	resp, _ = s.do(t, http.MethodPost, "/register", "", nil, handlers.RegisterRequest{PublicKey: "not-a-key"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad key status = %d", resp.StatusCode)
	}
}

func TestAuth_Rejections(t *testing.T) {
	s := newTestServer(t)
	id, ks := s.register(t)

	resp, _ := s.do(t, http.MethodGet, "/protocols", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d", resp.StatusCode)
	}

	other, _ := crypto.GenerateKeyStore()
	resp, _ = s.do(t, http.MethodGet, "/protocols", id, other, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", resp.StatusCode)
	}

	// Replaying identical headers must fail the second time.
	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/protocols", nil)
	if err := crypto.SignRequest(req.Header, id, ks, nil); err != nil {
		t.Fatal(err)
	}
	for i, want := range []int{http.StatusOK, http.StatusUnauthorized} {
		resp, err := http.DefaultClient.Do(req.Clone(context.Background()))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("attempt %d status = %d, want %d", i, resp.StatusCode, want)
		}
	}
}

func TestProtocolOverHTTP(t *testing.T) {
	s := newTestServer(t)
	idA, ksA := s.register(t)
	idB, ksB := s.register(t, "search")

	// Stream B's events while the exchange runs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := s.dialEvents(ctx, "", idB, ksB)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	resp, body := s.do(t, http.MethodPost, "/protocols", idA, ksA, handlers.InitiateRequest{
		Receiver:             idB,
		Action:               "query",
		Payload:              json.RawMessage(`{"q":"x"}`),
		RequiredCapabilities: []string{"search", "write"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing capability status = %d: %s", resp.StatusCode, body)
	}
	var failure handlers.ErrorResponse
	json.Unmarshal(body, &failure)
	if len(failure.Missing) != 1 || failure.Missing[0] != "write" {
		t.Fatalf("missing = %v", failure.Missing)
	}

	resp, body = s.do(t, http.MethodPost, "/protocols", idA, ksA, handlers.InitiateRequest{
		Receiver:             idB,
		Action:               "query",
		Payload:              json.RawMessage(`{"q":"x"}`),
		RequiredCapabilities: []string{"search"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate status = %d: %s", resp.StatusCode, body)
	}
	var p models.Protocol
	json.Unmarshal(body, &p)
	if p.Status != models.StatusSent {
		t.Fatalf("status = %s", p.Status)
	}
	s.handler.Wait()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Topic != events.TopicProtocolRequest || ev.ProtocolID != p.ID {
		t.Fatalf("unexpected streamed event %+v", ev)
	}

	resp, _ = s.do(t, http.MethodPost, "/protocols/"+p.ID+"/respond", idA, ksA, handlers.RespondRequest{Outcome: models.OutcomeAccept})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("sender responding status = %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodPost, "/protocols/"+p.ID+"/respond", idB, ksB, handlers.RespondRequest{
		Payload: json.RawMessage(`{"result":"y"}`),
		Outcome: models.OutcomeAccept,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond status = %d: %s", resp.StatusCode, body)
	}
	s.handler.Wait()

	resp, body = s.do(t, http.MethodGet, "/protocols/"+p.ID, idA, ksA, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var final models.Protocol
	json.Unmarshal(body, &final)
	if final.Status != models.StatusCompleted || final.LastMessage.Sender != idB {
		t.Fatalf("final protocol %+v", final)
	}

	resp, body = s.do(t, http.MethodGet, "/trust/"+idB, "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trust status = %d", resp.StatusCode)
	}
	var score handlers.TrustResponse
	json.Unmarshal(body, &score)
	if want := trust.DeltaRequest + trust.DeltaResponse; score.Score != want {
		t.Fatalf("B trust = %g, want %g", score.Score, want)
	}

	resp, _ = s.do(t, http.MethodPost, "/protocols/"+p.ID+"/respond", idB, ksB, handlers.RespondRequest{Outcome: models.OutcomeReject})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second respond status = %d", resp.StatusCode)
	}
}

func TestEvents_RequiresSignature(t *testing.T) {
	s := newTestServer(t)
	idA, _ := s.register(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := s.dialEvents(ctx, "?agent="+idA, "", nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("unsigned event stream was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned dial response = %v, want 401", resp)
	}
}

func TestEvents_OnlySigningAgent(t *testing.T) {
	s := newTestServer(t)
	idA, ksA := s.register(t)
	idB, ksB := s.register(t)
	idC, ksC := s.register(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// C asks for A's events; the query is ignored in favour of the signer.
	conn, _, err := s.dialEvents(ctx, "?agent="+idA, idC, ksC)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	const secret = "launch-code-7731"
	resp, body := s.do(t, http.MethodPost, "/protocols", idA, ksA, handlers.InitiateRequest{
		Receiver: idB,
		Action:   "query",
		Payload:  json.RawMessage(`{"q":"` + secret + `"}`),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate A->B status = %d: %s", resp.StatusCode, body)
	}
	var ab models.Protocol
	json.Unmarshal(body, &ab)
	s.handler.Wait()

	resp, body = s.do(t, http.MethodPost, "/protocols/"+ab.ID+"/respond", idB, ksB, handlers.RespondRequest{
		Payload: json.RawMessage(`{"answer":"` + secret + `"}`),
		Outcome: models.OutcomeAccept,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond B status = %d: %s", resp.StatusCode, body)
	}
	s.handler.Wait()

	resp, body = s.do(t, http.MethodPost, "/protocols", idA, ksA, handlers.InitiateRequest{
		Receiver: idC,
		Action:   "ping",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate A->C status = %d: %s", resp.StatusCode, body)
	}
	var ac models.Protocol
	json.Unmarshal(body, &ac)
	s.handler.Wait()

	// Anything about A<->B would have been queued ahead of the A->C request.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte(secret)) || bytes.Contains(data, []byte(ab.ID)) {
		t.Fatalf("C received another pair's event: %s", data)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Topic != events.TopicProtocolRequest || ev.ProtocolID != ac.ID {
		t.Fatalf("first event for C = %+v, want request %s", ev, ac.ID)
	}
}
