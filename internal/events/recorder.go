package events

import (
	"context"
	"sync"
)

// Recorder is a handler that keeps every event it sees. It is used by the
// websocket stream backlog and by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle implements Handler.
func (r *Recorder) Handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByTopic returns the recorded events of one topic.
func (r *Recorder) ByTopic(t Topic) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Topic == t {
			out = append(out, ev)
		}
	}
	return out
}

// Attach subscribes the recorder to every topic.
func (r *Recorder) Attach(b *Bus) error {
	for _, t := range Topics {
		if _, err := b.Subscribe(t, r.Handle); err != nil {
			return err
		}
	}
	return nil
}
