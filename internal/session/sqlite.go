package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/aki/internal/agent"
)

// SQLiteStore keeps one snapshot row per conversation in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite session store: empty path")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			updated_at    TEXT NOT NULL,
			model_id      TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL,
			token_count   INTEGER NOT NULL,
			byte_size     INTEGER NOT NULL,
			state_zst     BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated
			ON sessions(updated_at DESC);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save writes the state, replacing any earlier snapshot.
func (s *SQLiteStore) Save(ctx context.Context, st *agent.State) error {
	snap, err := encode(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, updated_at, model_id, message_count, token_count, byte_size, state_zst)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			model_id = excluded.model_id,
			message_count = excluded.message_count,
			token_count = excluded.token_count,
			byte_size = excluded.byte_size,
			state_zst = excluded.state_zst
	`, snap.info.ID, snap.info.UpdatedAt.Format(time.RFC3339Nano), snap.info.ModelID,
		snap.info.MessageCount, snap.info.TokenCount, snap.info.ByteSize, snap.data)
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.ID, err)
	}
	return nil
}

// Load returns the state saved under id, or [ErrNotFound].
func (s *SQLiteStore) Load(ctx context.Context, id string) (*agent.State, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_zst FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return decode(data)
}

// List returns stored conversations, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, updated_at, model_id, message_count, token_count, byte_size
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var updated string
		if err := rows.Scan(&info.ID, &updated, &info.ModelID, &info.MessageCount, &info.TokenCount, &info.ByteSize); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the state saved under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
