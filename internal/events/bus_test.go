package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus(zerolog.Nop(), 0)
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		if _, err := b.Subscribe(TopicProtocolRequest, func(context.Context, Event) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	b.Publish(context.Background(), Event{Topic: TopicProtocolRequest, ProtocolID: "p1"})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected [0 1 2], got %v", order)
	}
}

func TestBusHandlerFailureIsolated(t *testing.T) {
	b := NewBus(zerolog.Nop(), 0)
	var after int

	b.Subscribe(TopicProtocolError, func(context.Context, Event) error {
		return errors.New("boom")
	})
	b.Subscribe(TopicProtocolError, func(context.Context, Event) error {
		panic("handler exploded")
	})
	b.Subscribe(TopicProtocolError, func(context.Context, Event) error {
		after++
		return nil
	})

	b.Publish(context.Background(), Event{Topic: TopicProtocolError})
	b.Publish(context.Background(), Event{Topic: TopicProtocolError})

	if after != 2 {
		t.Fatalf("handler after failing ones should run for both events, ran %d times", after)
	}
}

func TestBusTopicsAreIndependent(t *testing.T) {
	b := NewBus(zerolog.Nop(), 0)
	rec := &Recorder{}
	b.Subscribe(TopicTrustUpdate, rec.Handle)

	b.Publish(context.Background(), Event{Topic: TopicProtocolResponse})
	b.Publish(context.Background(), Event{Topic: TopicTrustUpdate, AgentID: "a", TrustScore: 1.5})

	got := rec.Events()
	if len(got) != 1 || got[0].AgentID != "a" || got[0].TrustScore != 1.5 {
		t.Fatalf("unexpected events %+v", got)
	}
	if got[0].Time.IsZero() {
		t.Fatal("publish should stamp event time")
	}
}

func TestBusBoundedSubscribers(t *testing.T) {
	b := NewBus(zerolog.Nop(), 2)
	noop := func(context.Context, Event) error { return nil }

	if _, err := b.Subscribe(TopicTrustUpdate, noop); err != nil {
		t.Fatal(err)
	}
	unsub, err := b.Subscribe(TopicTrustUpdate, noop)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(TopicTrustUpdate, noop); !errors.Is(err, ErrTooManySubscribers) {
		t.Fatalf("expected ErrTooManySubscribers, got %v", err)
	}

	unsub()
	if b.Subscribers(TopicTrustUpdate) != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Subscribers(TopicTrustUpdate))
	}
	if _, err := b.Subscribe(TopicTrustUpdate, noop); err != nil {
		t.Fatalf("slot should be free after unsubscribe: %v", err)
	}
}

func TestBusUnknownTopic(t *testing.T) {
	b := NewBus(zerolog.Nop(), 0)
	if _, err := b.Subscribe(Topic("nope"), func(context.Context, Event) error { return nil }); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestBusErrorStringFilled(t *testing.T) {
	b := NewBus(zerolog.Nop(), 0)
	rec := &Recorder{}
	if err := rec.Attach(b); err != nil {
		t.Fatal(err)
	}

	b.Publish(context.Background(), Event{Topic: TopicProtocolError, Err: errors.New("bad envelope")})

	got := rec.ByTopic(TopicProtocolError)
	if len(got) != 1 || got[0].Error != "bad envelope" {
		t.Fatalf("unexpected events %+v", got)
	}
}
