package models

import (
	"encoding/json"
	"time"
)

// MessageType is the kind of a ProtocolMessage.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageError    MessageType = "error"
	MessageSync     MessageType = "sync"
)

// Outcome is the responder's verdict on a request.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
	OutcomeError  Outcome = "error"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAccept, OutcomeReject, OutcomeError:
		return true
	}
	return false
}

// MessageMetadata is the snapshot taken when a message is built.
type MessageMetadata struct {
	ID              string   `json:"id"` // ULID
	Sender          string   `json:"sender"`
	Receiver        string   `json:"receiver"`
	Timestamp       int64    `json:"ts"` // Unix ms
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
	TrustScore      float64  `json:"trust_score"`
}

// ProtocolMessage is the logical message before encryption.
// Build it with NewProtocolMessage and do not modify it afterwards.
type ProtocolMessage struct {
	Type     MessageType     `json:"type"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
	Outcome  Outcome         `json:"outcome,omitempty"`
	Metadata MessageMetadata `json:"metadata"`
}

// NewProtocolMessage builds a message, copying the capability snapshot so
// later changes to the caller's slice cannot alter it.
func NewProtocolMessage(typ MessageType, action string, payload json.RawMessage, meta MessageMetadata) *ProtocolMessage {
	meta.Capabilities = append([]string{}, meta.Capabilities...)
	if meta.Timestamp == 0 {
		meta.Timestamp = time.Now().UnixMilli()
	}
	return &ProtocolMessage{
		Type:     typ,
		Action:   action,
		Payload:  append(json.RawMessage(nil), payload...),
		Metadata: meta,
	}
}

// Meta summarizes the message for Protocol.LastMessage.
func (m *ProtocolMessage) Meta() MessageMeta {
	return MessageMeta{
		ID:        m.Metadata.ID,
		Type:      m.Type,
		Sender:    m.Metadata.Sender,
		Receiver:  m.Metadata.Receiver,
		Timestamp: m.Metadata.Timestamp,
	}
}
