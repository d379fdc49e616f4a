package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/models"
	"github.com/eldtechnologies/agentlink/internal/store"
)

func newSignedAgent(t *testing.T) (*store.MemoryStore, *crypto.LocalKeyStore) {
	t.Helper()
	ks, err := crypto.GenerateKeyStore()
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	if _, err := st.PutAgent(context.Background(), &models.Agent{ID: "A", PublicKey: ks.PublicKeyBase64()}); err != nil {
		t.Fatal(err)
	}
	return st, ks
}

func TestRequireAuth_ConcurrentReplay(t *testing.T) {
	st, ks := newSignedAgent(t)
	auth := NewAuthMiddleware(st, nil)
	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"q":"x"}`
	signed := http.Header{}
	if err := crypto.SignRequest(signed, "A", ks, []byte(body)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	codes := map[int]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/protocols", strings.NewReader(body))
			req.Header = signed.Clone()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if codes[http.StatusOK] != 1 || codes[http.StatusUnauthorized] != 19 {
		t.Fatalf("status counts = %v, want one 200 and 19 401", codes)
	}
}

func TestRequireAuth_ForgedRequestKeepsNonce(t *testing.T) {
	st, ks := newSignedAgent(t)
	nonces := NewMemoryNonces()
	auth := NewAuthMiddleware(st, nonces)
	h := auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	signed := http.Header{}
	if err := crypto.SignRequest(signed, "A", ks, nil); err != nil {
		t.Fatal(err)
	}

	// Same nonce, wrong signature: rejected without consuming the nonce.
	forged := signed.Clone()
	forged.Set(crypto.HeaderSignature, "AAAA"+signed.Get(crypto.HeaderSignature)[4:])
	req := httptest.NewRequest(http.MethodGet, "/protocols", nil)
	req.Header = forged
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/protocols", nil)
	req.Header = signed
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("genuine status = %d", rec.Code)
	}
}

func TestMemoryNonces_Expire(t *testing.T) {
	n := NewMemoryNonces()
	ctx := context.Background()

	if ok, _ := n.ClaimNonce(ctx, "A", "n1", 10*time.Millisecond); !ok {
		t.Fatal("fresh nonce rejected")
	}
	if ok, _ := n.ClaimNonce(ctx, "A", "n1", 10*time.Millisecond); ok {
		t.Fatal("nonce claimed twice")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := n.ClaimNonce(ctx, "A", "n1", 10*time.Millisecond); !ok {
		t.Fatal("expired nonce still held")
	}
}
