package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/aki/internal/agent"
)

// PostgresStore keeps one snapshot row per conversation in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	// owned pools are closed by Close.
	owned bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool. The caller owns the pool;
// call [PostgresStore.Init] before use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, owned: true}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the sessions table. Safe to call repeatedly.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aki_sessions (
			id            TEXT PRIMARY KEY,
			updated_at    TIMESTAMPTZ NOT NULL,
			model_id      TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL,
			token_count   INTEGER NOT NULL,
			byte_size     BIGINT NOT NULL,
			state_zst     BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aki_sessions_updated ON aki_sessions(updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

// Close releases the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

// Save writes the state, replacing any earlier snapshot.
func (s *PostgresStore) Save(ctx context.Context, st *agent.State) error {
	snap, err := encode(st)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO aki_sessions (id, updated_at, model_id, message_count, token_count, byte_size, state_zst)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			model_id = EXCLUDED.model_id,
			message_count = EXCLUDED.message_count,
			token_count = EXCLUDED.token_count,
			byte_size = EXCLUDED.byte_size,
			state_zst = EXCLUDED.state_zst`,
		snap.info.ID, snap.info.UpdatedAt, snap.info.ModelID,
		snap.info.MessageCount, snap.info.TokenCount, snap.info.ByteSize, snap.data)
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.ID, err)
	}
	return nil
}

// Load returns the state saved under id, or [ErrNotFound].
func (s *PostgresStore) Load(ctx context.Context, id string) (*agent.State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state_zst FROM aki_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decode(data)
}

// List returns stored conversations, most recently updated first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, updated_at, model_id, message_count, token_count, byte_size
		FROM aki_sessions
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ID, &info.UpdatedAt, &info.ModelID, &info.MessageCount, &info.TokenCount, &info.ByteSize); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the state saved under id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM aki_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
