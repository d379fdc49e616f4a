package models

import (
	"time"
)

// Status is a protocol's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSent      Status = "sent"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusSent, StatusErrored},
	StatusSent:     {StatusAccepted, StatusRejected, StatusErrored},
	StatusAccepted: {StatusCompleted, StatusErrored},
	StatusRejected: {StatusCompleted, StatusErrored},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MessageMeta records the most recent envelope of a protocol.
type MessageMeta struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Sender    string      `json:"sender"`
	Receiver  string      `json:"receiver"`
	Timestamp int64       `json:"ts"`
}

// Protocol is one request/response exchange between two agents.
type Protocol struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender"`
	ReceiverID  string      `json:"receiver"`
	Action      string      `json:"action"`
	Status      Status      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Deadline    time.Time   `json:"deadline,omitempty"`
	LastMessage MessageMeta `json:"last_message"`
}

// Clone returns a copy safe to hand to callers.
func (p *Protocol) Clone() *Protocol {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Involves reports whether agentID is a participant.
func (p *Protocol) Involves(agentID string) bool {
	return p.SenderID == agentID || p.ReceiverID == agentID
}
