package store

import (
	"context"
	"errors"

	"github.com/eldtechnologies/agentlink/internal/models"
)

var (
	// ErrProtocolExists is returned by Save for a duplicate protocol ID.
	ErrProtocolExists = errors.New("protocol already exists")
	// ErrProtocolNotFound is returned by updates on an unknown protocol ID.
	ErrProtocolNotFound = errors.New("protocol not found")
)

// Directory resolves agents. A missing agent is (nil, nil), not an error.
type Directory interface {
	Exists(ctx context.Context, agentID string) (bool, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

// ProtocolStore persists protocol records. Get returns (nil, nil) for an
// unknown ID. CompareAndSwapStatus updates only when the stored status equals
// from, so concurrent terminal transitions have exactly one winner.
type ProtocolStore interface {
	SaveProtocol(ctx context.Context, p *models.Protocol) error
	GetProtocol(ctx context.Context, id string) (*models.Protocol, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, reason string) error
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status, reason string) (bool, error)
	UpdateLastMessage(ctx context.Context, id string, meta models.MessageMeta) error
	ListOpen(ctx context.Context, agentID string) ([]*models.Protocol, error)
}

// DataStore is the persistent store for agents, capabilities and protocols.
// PostgresStore, SQLiteStore and MemoryStore implement it.
type DataStore interface {
	Directory
	ProtocolStore

	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Agent operations
	CreateAgent(ctx context.Context, publicKey, name string, capabilities []string) (*models.Agent, error)
	GetAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error)
	CountAgents(ctx context.Context) (int64, error)

	// Capabilities implements capability.Source.
	Capabilities(ctx context.Context, agentID string) ([]string, error)
}
