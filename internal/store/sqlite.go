package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/agentlink/internal/models"
)

// SQLiteStore handles SQLite database operations.
// Timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/agentlink.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/agentlink.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		public_key TEXT UNIQUE NOT NULL,
		name TEXT DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_capabilities (
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
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
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL DEFAULT 0,
		last_message TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_agents_public_key ON agents(public_key);
	CREATE INDEX IF NOT EXISTS idx_protocols_sender ON protocols(sender_id, status);
	CREATE INDEX IF NOT EXISTS idx_protocols_receiver ON protocols(receiver_id, status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CreateAgent creates a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, publicKey, name string, capabilities []string) (*models.Agent, error) {
	defer observe("sqlite", time.Now())

	id := uuid.New().String()
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, public_key, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, publicKey, name, now, now)
	if err != nil {
		return nil, err
	}

	for _, c := range capabilities {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agent_capabilities (agent_id, capability) VALUES (?, ?)
		`, id, c); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// Exists implements Directory.
func (s *SQLiteStore) Exists(ctx context.Context, agentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = ?)`, agentID).Scan(&exists)
	return exists, err
}

// GetAgent implements Directory.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return s.getAgent(ctx, `WHERE id = ?`, agentID)
}

// GetAgentByPublicKey retrieves an agent by public key.
func (s *SQLiteStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error) {
	return s.getAgent(ctx, `WHERE public_key = ?`, publicKey)
}

func (s *SQLiteStore) getAgent(ctx context.Context, where string, arg any) (*models.Agent, error) {
	defer observe("sqlite", time.Now())

	agent := &models.Agent{}
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, name, created_at, updated_at
		FROM agents `+where, arg).Scan(
		&agent.ID,
		&agent.PublicKey,
		&agent.Name,
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	agent.CreatedAt = fromMillis(created)
	agent.UpdatedAt = fromMillis(updated)

	agent.Capabilities, err = s.Capabilities(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// CountAgents returns the total number of registered agents.
func (s *SQLiteStore) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	return count, err
}

// Capabilities implements capability.Source.
func (s *SQLiteStore) Capabilities(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability FROM agent_capabilities WHERE agent_id = ? ORDER BY capability
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

// SaveProtocol inserts a new protocol record.
func (s *SQLiteStore) SaveProtocol(ctx context.Context, p *models.Protocol) error {
	defer observe("sqlite", time.Now())

	last, err := json.Marshal(p.LastMessage)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO protocols (id, sender_id, receiver_id, action, status, reason, created_at, updated_at, deadline, last_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SenderID, p.ReceiverID, p.Action, string(p.Status), p.Reason,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt), toMillis(p.Deadline), string(last))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProtocolExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProtocol(row rowScanner) (*models.Protocol, error) {
	p := &models.Protocol{}
	var status, last string
	var created, updated, deadline int64

	if err := row.Scan(&p.ID, &p.SenderID, &p.ReceiverID, &p.Action, &status, &p.Reason,
		&created, &updated, &deadline, &last); err != nil {
		return nil, err
	}
	p.Status = models.Status(status)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	p.Deadline = fromMillis(deadline)
	if err := json.Unmarshal([]byte(last), &p.LastMessage); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProtocol retrieves a protocol by ID.
func (s *SQLiteStore) GetProtocol(ctx context.Context, id string) (*models.Protocol, error) {
	defer observe("sqlite", time.Now())

	p, err := scanSQLiteProtocol(s.db.QueryRowContext(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateStatus sets the status unconditionally.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status models.Status, reason string) error {
	defer observe("sqlite", time.Now())

	n, err := s.execOne(ctx, `
		UPDATE protocols SET status = ?, reason = ?, updated_at = ? WHERE id = ?
	`, string(status), reason, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProtocolNotFound
	}
	return nil
}

// CompareAndSwapStatus implements ProtocolStore.
func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status, reason string) (bool, error) {
	defer observe("sqlite", time.Now())

	n, err := s.execOne(ctx, `
		UPDATE protocols SET status = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	ok, err := s.protocolExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrProtocolNotFound
	}
	return false, nil
}

func (s *SQLiteStore) protocolExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM protocols WHERE id = ?)`, id).Scan(&exists)
	return exists, err
}

// UpdateLastMessage records the most recent envelope.
func (s *SQLiteStore) UpdateLastMessage(ctx context.Context, id string, meta models.MessageMeta) error {
	defer observe("sqlite", time.Now())

	last, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	n, err := s.execOne(ctx, `
		UPDATE protocols SET last_message = ?, updated_at = ? WHERE id = ?
	`, string(last), time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProtocolNotFound
	}
	return nil
}

// ListOpen returns non-terminal protocols involving agentID.
func (s *SQLiteStore) ListOpen(ctx context.Context, agentID string) ([]*models.Protocol, error) {
	defer observe("sqlite", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+protocolColumns+` FROM protocols
		WHERE (sender_id = ? OR receiver_id = ?)
		AND status NOT IN ('completed', 'errored')
		ORDER BY created_at
	`, agentID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Protocol
	for rows.Next() {
		p, err := scanSQLiteProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
