package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	public_key TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agent_capabilities (
	agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	capability TEXT NOT NULL,
	PRIMARY KEY (agent_id, capability)
);

CREATE TABLE IF NOT EXISTS protocols (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deadline TIMESTAMPTZ,
	last_message JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_protocols_sender_open ON protocols(sender_id) WHERE status NOT IN ('completed', 'errored');
CREATE INDEX IF NOT EXISTS idx_protocols_receiver_open ON protocols(receiver_id) WHERE status NOT IN ('completed', 'errored');
`

// RunMigrations creates the schema if it does not exist.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observe(driver string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(driver).Observe(time.Since(start).Seconds())
}

// CreateAgent creates a new agent record with its provisioned capabilities.
func (s *PostgresStore) CreateAgent(ctx context.Context, publicKey, name string, capabilities []string) (*models.Agent, error) {
	defer observe("postgres", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	agent := &models.Agent{}
	err = tx.QueryRow(ctx, `
		INSERT INTO agents (public_key, name)
		VALUES ($1, $2)
		RETURNING id::text, public_key, name, created_at, updated_at
	`, publicKey, name).Scan(
		&agent.ID,
		&agent.PublicKey,
		&agent.Name,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, c := range capabilities {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_capabilities (agent_id, capability)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, agent.ID, c); err != nil {
			return nil, err
		}
	}
	agent.Capabilities = append([]string(nil), capabilities...)

	return agent, tx.Commit(ctx)
}

// Exists implements Directory.
func (s *PostgresStore) Exists(ctx context.Context, agentID string) (bool, error) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return false, nil
	}
	defer observe("postgres", time.Now())

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// GetAgent implements Directory.
func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return nil, nil
	}
	return s.getAgent(ctx, `WHERE id = $1`, id)
}

// GetAgentByPublicKey retrieves an agent by public key.
func (s *PostgresStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	return s.getAgent(ctx, `WHERE public_key = $1`, publicKey)
}

func (s *PostgresStore) getAgent(ctx context.Context, where string, arg any) (*models.Agent, error) {
	defer observe("postgres", time.Now())

	agent := &models.Agent{}
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, public_key, name, created_at, updated_at
		FROM agents `+where, arg).Scan(
		&agent.ID,
		&agent.PublicKey,
		&agent.Name,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	agent.Capabilities, err = s.Capabilities(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// CountAgents returns the number of registered agents.
func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

// Capabilities implements capability.Source.
func (s *PostgresStore) Capabilities(ctx context.Context, agentID string) ([]string, error) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT capability FROM agent_capabilities
		WHERE agent_id = $1 ORDER BY capability
	`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SaveProtocol inserts a new protocol record.
func (s *PostgresStore) SaveProtocol(ctx context.Context, p *models.Protocol) error {
	defer observe("postgres", time.Now())

	last, err := json.Marshal(p.LastMessage)
	if err != nil {
		return err
	}
	var deadline *time.Time
	if !p.Deadline.IsZero() {
		deadline = &p.Deadline
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO protocols (id, sender_id, receiver_id, action, status, reason, created_at, updated_at, deadline, last_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.SenderID, p.ReceiverID, p.Action, string(p.Status), p.Reason, p.CreatedAt, p.UpdatedAt, deadline, last)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProtocolExists
	}
	return nil
}

const protocolColumns = `id, sender_id, receiver_id, action, status, reason, created_at, updated_at, deadline, last_message`

func scanProtocol(row pgx.Row) (*models.Protocol, error) {
	p := &models.Protocol{}
	var status string
	var deadline *time.Time
	var last []byte

	if err := row.Scan(&p.ID, &p.SenderID, &p.ReceiverID, &p.Action, &status, &p.Reason,
		&p.CreatedAt, &p.UpdatedAt, &deadline, &last); err != nil {
		return nil, err
	}
	p.Status = models.Status(status)
	if deadline != nil {
		p.Deadline = *deadline
	}
	if err := json.Unmarshal(last, &p.LastMessage); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProtocol retrieves a protocol by ID.
func (s *PostgresStore) GetProtocol(ctx context.Context, id string) (*models.Protocol, error) {
	defer observe("postgres", time.Now())

	p, err := scanProtocol(s.pool.QueryRow(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// UpdateStatus sets the status unconditionally.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.Status, reason string) error {
	defer observe("postgres", time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE protocols SET status = $2, reason = $3, updated_at = NOW() WHERE id = $1
	`, id, string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProtocolNotFound
	}
	return nil
}

// CompareAndSwapStatus implements ProtocolStore.
func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status, reason string) (bool, error) {
	defer observe("postgres", time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE protocols SET status = $3, reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), reason)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := s.GetProtocol(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, ErrProtocolNotFound
	}
	return false, nil
}

// UpdateLastMessage records the most recent envelope.
func (s *PostgresStore) UpdateLastMessage(ctx context.Context, id string, meta models.MessageMeta) error {
	defer observe("postgres", time.Now())

	last, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE protocols SET last_message = $2, updated_at = NOW() WHERE id = $1
	`, id, last)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProtocolNotFound
	}
	return nil
}

// ListOpen returns non-terminal protocols involving agentID.
func (s *PostgresStore) ListOpen(ctx context.Context, agentID string) ([]*models.Protocol, error) {
	defer observe("postgres", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+protocolColumns+` FROM protocols
		WHERE (sender_id = $1 OR receiver_id = $1)
		AND status NOT IN ('completed', 'errored')
		ORDER BY created_at
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
