package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/agentlink/internal/models"
)

func newProtocol(id, sender, receiver string) *models.Protocol {
	now := time.Now().Truncate(time.Millisecond)
	return &models.Protocol{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Action:     "read",
		Status:     models.StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
		Deadline:   now.Add(30 * time.Second),
	}
}

// testProtocolStore runs the behaviour every ProtocolStore must share.
func testProtocolStore(t *testing.T, s ProtocolStore) {
	ctx := context.Background()

	t.Run("missing is nil", func(t *testing.T) {
		p, err := s.GetProtocol(ctx, "nope")
		if err != nil || p != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", p, err)
		}
	})

	t.Run("save and get", func(t *testing.T) {
		if err := s.SaveProtocol(ctx, newProtocol("p1", "A", "B")); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveProtocol(ctx, newProtocol("p1", "A", "B")); !errors.Is(err, ErrProtocolExists) {
			t.Fatalf("expected ErrProtocolExists, got %v", err)
		}
		p, err := s.GetProtocol(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if p == nil || p.SenderID != "A" || p.ReceiverID != "B" || p.Status != models.StatusCreated {
			t.Fatalf("unexpected protocol %+v", p)
		}
		if p.Action != "read" {
			t.Errorf("action = %q", p.Action)
		}
	})

	t.Run("compare and swap", func(t *testing.T) {
		ok, err := s.CompareAndSwapStatus(ctx, "p1", models.StatusCreated, models.StatusSent, "")
		if err != nil || !ok {
			t.Fatalf("expected swap, got %v %v", ok, err)
		}
		ok, err = s.CompareAndSwapStatus(ctx, "p1", models.StatusCreated, models.StatusErrored, "x")
		if err != nil || ok {
			t.Fatalf("stale swap should not apply, got %v %v", ok, err)
		}
		p, _ := s.GetProtocol(ctx, "p1")
		if p.Status != models.StatusSent {
			t.Fatalf("status = %s, want sent", p.Status)
		}
		if _, err := s.CompareAndSwapStatus(ctx, "nope", models.StatusSent, models.StatusErrored, ""); !errors.Is(err, ErrProtocolNotFound) {
			t.Fatalf("expected ErrProtocolNotFound, got %v", err)
		}
	})

	t.Run("last message", func(t *testing.T) {
		meta := models.MessageMeta{ID: "m1", Type: models.MessageRequest, Sender: "A", Receiver: "B", Timestamp: 42}
		if err := s.UpdateLastMessage(ctx, "p1", meta); err != nil {
			t.Fatal(err)
		}
		p, _ := s.GetProtocol(ctx, "p1")
		if p.LastMessage != meta {
			t.Fatalf("last message = %+v", p.LastMessage)
		}
	})

	t.Run("list open", func(t *testing.T) {
		if err := s.SaveProtocol(ctx, newProtocol("p2", "C", "A")); err != nil {
			t.Fatal(err)
		}
		open, err := s.ListOpen(ctx, "A")
		if err != nil {
			t.Fatal(err)
		}
		if len(open) != 2 {
			t.Fatalf("expected 2 open, got %d", len(open))
		}

		if err := s.UpdateStatus(ctx, "p2", models.StatusErrored, "timeout"); err != nil {
			t.Fatal(err)
		}
		open, _ = s.ListOpen(ctx, "A")
		if len(open) != 1 || open[0].ID != "p1" {
			t.Fatalf("expected only p1 open, got %v", open)
		}
		p, _ := s.GetProtocol(ctx, "p2")
		if p.Reason != "timeout" {
			t.Errorf("reason = %q", p.Reason)
		}
	})

	t.Run("single terminal winner", func(t *testing.T) {
		if err := s.SaveProtocol(ctx, newProtocol("race", "A", "B")); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwapStatus(ctx, "race", models.StatusCreated, models.StatusErrored, "")
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})
}

func TestMemoryStore_Protocols(t *testing.T) {
	testProtocolStore(t, NewMemoryStore())
}

func TestSQLiteStore_Protocols(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testProtocolStore(t, s)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestRedisStore_Protocols(t *testing.T) {
	s, _ := newRedisStore(t)
	testProtocolStore(t, s)
}

func TestSQLiteStore_Agents(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	agent, err := s.CreateAgent(ctx, "pubkey", "alpha", []string{"write", "read"})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.Exists(ctx, agent.ID)
	if err != nil || !ok {
		t.Fatalf("agent should exist: %v %v", ok, err)
	}
	ok, _ = s.Exists(ctx, "missing")
	if ok {
		t.Fatal("missing agent should not exist")
	}

	byKey, err := s.GetAgentByPublicKey(ctx, "pubkey")
	if err != nil || byKey == nil {
		t.Fatalf("lookup by key: %v %v", byKey, err)
	}
	if byKey.ID != agent.ID || byKey.Name != "alpha" {
		t.Fatalf("unexpected agent %+v", byKey)
	}
	if len(byKey.Capabilities) != 2 || byKey.Capabilities[0] != "read" || byKey.Capabilities[1] != "write" {
		t.Fatalf("capabilities = %v", byKey.Capabilities)
	}

	if _, err := s.CreateAgent(ctx, "pubkey", "dup", nil); err == nil {
		t.Fatal("duplicate public key should fail")
	}

	n, _ := s.CountAgents(ctx)
	if n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestMemoryStore_Agents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.PutAgent(ctx, &models.Agent{ID: "A", PublicKey: "ka", Capabilities: []string{"read"}}); err != nil {
		t.Fatal(err)
	}
	caps, _ := s.Capabilities(ctx, "A")
	if len(caps) != 1 || caps[0] != "read" {
		t.Fatalf("capabilities = %v", caps)
	}
	caps[0] = "mutated"
	again, _ := s.Capabilities(ctx, "A")
	if again[0] != "read" {
		t.Fatal("Capabilities must return a copy")
	}

	a, _ := s.GetAgentByPublicKey(ctx, "ka")
	if a == nil || a.ID != "A" {
		t.Fatalf("lookup by key = %+v", a)
	}
	if missing, _ := s.GetAgent(ctx, "B"); missing != nil {
		t.Fatal("missing agent should be nil")
	}
}

func TestRedisStore_Capabilities(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	if err := s.SetCapabilities(ctx, "A", "read", "write"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCapabilities(ctx, "A", "read"); err != nil {
		t.Fatal(err)
	}
	caps, err := s.Capabilities(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 1 || caps[0] != "read" {
		t.Fatalf("capabilities = %v", caps)
	}
}

func TestRedisStore_Nonces(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	claim := func(agentID, nonce string) bool {
		t.Helper()
		ok, err := s.ClaimNonce(ctx, agentID, nonce, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		return ok
	}

	if !claim("A", "n1") {
		t.Fatal("fresh nonce rejected")
	}
	if claim("A", "n1") {
		t.Fatal("nonce claimed twice")
	}
	if !claim("B", "n1") {
		t.Fatal("nonces are per agent")
	}
	mr.FastForward(2 * time.Minute)
	if !claim("A", "n1") {
		t.Fatal("nonce should expire")
	}

	// Concurrent claims of one nonce have a single winner.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimNonce(ctx, "C", "race", time.Minute)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestRedisStore_Inbox(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisStore(t)

	for i, typ := range []models.MessageType{models.MessageRequest, models.MessageResponse} {
		d := &models.Delivery{ProtocolID: "p1", From: "A", To: "B", Type: typ, SentAt: int64(100 + i)}
		if err := s.StoreDelivery(ctx, d); err != nil {
			t.Fatal(err)
		}
		if d.ID == "" {
			t.Fatal("StoreDelivery should assign an ID")
		}
	}

	got, err := s.PopDeliveries(ctx, "B", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].Type != models.MessageRequest || got[1].Type != models.MessageResponse {
		t.Fatalf("deliveries out of order: %s, %s", got[0].Type, got[1].Type)
	}

	again, _ := s.PopDeliveries(ctx, "B", 10)
	if len(again) != 0 {
		t.Fatalf("inbox should be drained, got %d", len(again))
	}
}
