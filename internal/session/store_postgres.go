package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgx the store needs; pgxpool.Pool and pgxmock
// both satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists session records in Postgres.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection. The caller owns its
// lifetime; Close is a no-op.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to the given database URL and bootstraps
// the schema.
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS remote_sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			timeout_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_remote_sessions_state_timeout ON remote_sessions (state, timeout_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO remote_sessions (
			id, device_id, user_id, state, stop_reason,
			started_at, last_activity_at, timeout_at, stopped_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID,
		s.DeviceID,
		s.UserID,
		string(s.State),
		string(s.StopReason),
		s.StartedAt,
		s.LastActivityAt,
		s.TimeoutAt,
		s.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRow(ctx,
		`SELECT id, device_id, user_id, state, stop_reason,
		        started_at, last_activity_at, timeout_at, stopped_at
		   FROM remote_sessions WHERE id=$1`,
		id,
	)
	var (
		s      Session
		state  string
		reason string
	)
	if err := row.Scan(
		&s.ID,
		&s.DeviceID,
		&s.UserID,
		&state,
		&reason,
		&s.StartedAt,
		&s.LastActivityAt,
		&s.TimeoutAt,
		&s.StoppedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.State = State(state)
	s.StopReason = StopReason(reason)
	return &s, nil
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE remote_sessions SET
			state=$2, stop_reason=$3, last_activity_at=$4, timeout_at=$5, stopped_at=$6
		 WHERE id=$1`,
		s.ID,
		string(s.State),
		string(s.StopReason),
		s.LastActivityAt,
		s.TimeoutAt,
		s.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id FROM remote_sessions WHERE state <> $1 AND timeout_at < $2`,
		string(StateClosed), now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired session rows: %w", err)
	}
	return ids, nil
}

// Pool exposes the underlying connection pool so other components (the
// directory) can share it. Nil when the store wraps a caller-owned DB.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
