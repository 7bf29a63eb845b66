package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/logic"
)

// appendLockKey is the advisory lock taken by every Append. Appends are
// serialised so that sequence order equals commit order, which lets ledger
// readers advance a cursor without skipping a late-committing event.
const appendLockKey = 0x706f776572 // "power"

// schema is applied by EnsureSchema. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS heartbeats (
		label        TEXT PRIMARY KEY,
		last_seen_at TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS status_events (
		sequence    BIGSERIAL PRIMARY KEY,
		label       TEXT NOT NULL,
		status      TEXT NOT NULL CHECK (status IN ('AVAILABLE', 'UNAVAILABLE')),
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS status_events_label_sequence
		ON status_events (label, sequence DESC)`,
}

// PostgresOptions holds connection settings for PostgresStore.
type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

func (o PostgresOptions) connString() string {
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		o.Host, o.Port, o.Database, o.User, o.Password, sslMode, o.MaxConns, o.MinConns,
	)
}

// PostgresStore implements HeartbeatStore and Ledger on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(opts.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreFromPool(pool, logger), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

// EnsureSchema creates the tables used by the store if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// LastSeen returns the last heartbeat for label.
func (s *PostgresStore) LastSeen(ctx context.Context, label string) (time.Time, error) {
	query := `SELECT last_seen_at FROM heartbeats WHERE label = $1`

	var ts time.Time
	err := s.pool.QueryRow(ctx, query, label).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last seen: %w", err)
	}
	return ts, nil
}

// UpsertLastSeen stores ts when it is newer than the stored value.
func (s *PostgresStore) UpsertLastSeen(ctx context.Context, label string, ts time.Time) (bool, error) {
	query := `
		INSERT INTO heartbeats (label, last_seen_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (label) DO UPDATE
			SET last_seen_at = EXCLUDED.last_seen_at, updated_at = now()
			WHERE heartbeats.last_seen_at < EXCLUDED.last_seen_at
	`

	tag, err := s.pool.Exec(ctx, query, label, ts.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Labels returns every label with a heartbeat row.
func (s *PostgresStore) Labels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT label FROM heartbeats ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	labels := make([]string, 0)
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// LastEvent returns the most recent event for label.
func (s *PostgresStore) LastEvent(ctx context.Context, label string) (StatusEvent, error) {
	query := `
		SELECT sequence, label, status, occurred_at
		FROM status_events
		WHERE label = $1
		ORDER BY sequence DESC
		LIMIT 1
	`

	ev, err := scanEvent(s.pool.QueryRow(ctx, query, label))
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusEvent{}, ErrNotFound
	}
	if err != nil {
		return StatusEvent{}, fmt.Errorf("failed to get last event: %w", err)
	}
	return ev, nil
}

// Append records a status change unless it repeats the label's last status.
func (s *PostgresStore) Append(ctx context.Context, label string, status logic.Status, occurredAt time.Time) (StatusEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StatusEvent{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.String("label", label), zap.Error(err))
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey)); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to lock ledger: %w", err)
	}

	var last string
	err = tx.QueryRow(ctx,
		`SELECT status FROM status_events WHERE label = $1 ORDER BY sequence DESC LIMIT 1`,
		label,
	).Scan(&last)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return StatusEvent{}, fmt.Errorf("failed to read last status: %w", err)
	case last == string(status):
		return StatusEvent{}, ErrNoTransition
	}

	query := `
		INSERT INTO status_events (label, status, occurred_at)
		VALUES ($1, $2, $3)
		RETURNING sequence, label, status, occurred_at
	`
	ev, err := scanEvent(tx.QueryRow(ctx, query, label, string(status), occurredAt.UTC()))
	if err != nil {
		return StatusEvent{}, fmt.Errorf("failed to append status event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StatusEvent{}, fmt.Errorf("failed to commit status event: %w", err)
	}
	return ev, nil
}

// EventsAfter returns events with sequence > cursor in ascending order.
func (s *PostgresStore) EventsAfter(ctx context.Context, cursor int64, limit int) ([]StatusEvent, error) {
	query := `
		SELECT sequence, label, status, occurred_at
		FROM status_events
		WHERE sequence > $1
		ORDER BY sequence ASC
	`
	args := []interface{}{cursor}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// LatestSequence returns the highest assigned sequence.
func (s *PostgresStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM status_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest sequence: %w", err)
	}
	return seq, nil
}

// LabelEvents returns events for label, newest first.
func (s *PostgresStore) LabelEvents(ctx context.Context, label string, limit int) ([]StatusEvent, error) {
	query := `
		SELECT sequence, label, status, occurred_at
		FROM status_events
		WHERE label = $1
		ORDER BY sequence DESC
	`
	args := []interface{}{label}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]StatusEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]StatusEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanEvent(row pgx.Row) (StatusEvent, error) {
	var (
		ev     StatusEvent
		status string
	)
	if err := row.Scan(&ev.Sequence, &ev.Label, &status, &ev.OccurredAt); err != nil {
		return StatusEvent{}, err
	}
	parsed, err := logic.ParseStatus(status)
	if err != nil {
		return StatusEvent{}, err
	}
	ev.Status = parsed
	return ev, nil
}
