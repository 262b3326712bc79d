// Package callhistory persists finished calls to PostgreSQL so the client
// can render a recent-calls list across restarts. The store is optional:
// the call manager runs fine without one.
package callhistory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/quillchat/quill/internal/call"
)

// Entry is one persisted call.
type Entry struct {
	ID          int64        `db:"id"`
	CallID      string       `db:"call_id"`
	PeerID      string       `db:"peer_id"`
	PeerName    string       `db:"peer_name"`
	Kind        string       `db:"kind"`
	Role        string       `db:"role"`
	Reason      string       `db:"reason"`
	StartedAt   time.Time    `db:"started_at"`
	ConnectedAt sql.NullTime `db:"connected_at"`
	DurationSec float64      `db:"duration_seconds"`
	CreatedAt   time.Time    `db:"created_at"`
}

// Missed reports whether the call ended before it ever went active on the
// receiving side.
func (e Entry) Missed() bool {
	return e.Role == string(call.RoleCallee) && !e.ConnectedAt.Valid
}

// Store implements call.HistorySink on PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects, verifies the connection and ensures the schema exists.
func NewStore(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("callhistory")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id BIGSERIAL PRIMARY KEY,
		call_id VARCHAR(255) NOT NULL,
		peer_id VARCHAR(255) NOT NULL,
		peer_name VARCHAR(255) NOT NULL DEFAULT '',
		kind VARCHAR(10) NOT NULL CHECK (kind IN ('voice', 'video')),
		role VARCHAR(10) NOT NULL CHECK (role IN ('caller', 'callee')),
		reason VARCHAR(32) NOT NULL,

		started_at TIMESTAMPTZ NOT NULL,
		connected_at TIMESTAMPTZ,
		duration_seconds FLOAT NOT NULL DEFAULT 0,

		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_calls_peer_id ON calls(peer_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordCall inserts one finished call.
func (s *Store) RecordCall(ctx context.Context, rec call.CallRecord) error {
	connectedAt := sql.NullTime{Time: rec.ConnectedAt, Valid: !rec.ConnectedAt.IsZero()}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (
			call_id, peer_id, peer_name, kind, role, reason,
			started_at, connected_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.CallID, rec.PeerID, rec.PeerName, string(rec.Kind), string(rec.Role),
		rec.Reason, rec.StartedAt, connectedAt, rec.Duration.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}

	s.logger.Debug("Call recorded",
		zap.String("call_id", rec.CallID),
		zap.String("peer", rec.PeerID),
		zap.String("reason", rec.Reason))
	return nil
}

// Recent returns the latest finished calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	entries := make([]Entry, 0, limit)
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, call_id, peer_id, peer_name, kind, role, reason,
		       started_at, connected_at, duration_seconds, created_at
		FROM calls
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	return entries, nil
}

// RecentWithPeer returns the latest calls with one peer, newest first.
func (s *Store) RecentWithPeer(ctx context.Context, peerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	entries := make([]Entry, 0, limit)
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, call_id, peer_id, peer_name, kind, role, reason,
		       started_at, connected_at, duration_seconds, created_at
		FROM calls
		WHERE peer_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan prunes history and reports how many rows went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM calls WHERE started_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune call history: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows > 0 {
		s.logger.Info("Pruned call history",
			zap.Int64("count", rows),
			zap.Time("cutoff", cutoff))
	}
	return rows, nil
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return errors.New("callhistory: store already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
