// Package usage provides persistent token usage and cost tracking for
// model calls. Records are append-only and indexed by timestamp,
// conversation and turn for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/aki/internal/config"
)

// Record represents a single model call's token usage and cost.
type Record struct {
	ID             string
	Timestamp      time.Time
	TurnID         string
	ConversationID string
	Model          string
	Provider       string // "anthropic", "openai", "ollama"
	InputTokens    int
	OutputTokens   int
	CacheRead      int
	CacheWrite     int
	CostUSD        float64
	Role           string // "chat", "recovery", "summary"
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCacheRead    int64
	TotalCacheWrite   int64
	TotalCostUSD      float64
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use. pricing prices records that
// arrive without a cost; it may be nil.
func NewStore(dbPath string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, pricing: pricing}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		turn_id         TEXT NOT NULL,
		conversation_id TEXT,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cache_read      INTEGER NOT NULL DEFAULT 0,
		cache_write     INTEGER NOT NULL DEFAULT 0,
		cost_usd        REAL NOT NULL,
		role            TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_usage_turn ON usage_records(turn_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated; a zero cost is computed from the store's pricing table.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, turn_id, conversation_id, model, provider,
			 input_tokens, output_tokens, cache_read, cache_write, cost_usd, role)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.TurnID,
		rec.ConversationID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheRead,
		rec.CacheWrite,
		rec.CostUSD,
		rec.Role,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cache_read), 0), COALESCE(SUM(cache_write), 0),
	COALESCE(SUM(cost_usd), 0)`

func scanSummary(sc interface{ Scan(...any) error }, prefix ...any) (*Summary, error) {
	var sum Summary
	dest := append(prefix,
		&sum.TotalRecords,
		&sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalCacheRead, &sum.TotalCacheWrite,
		&sum.TotalCostUSD,
	)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// ConversationSummary returns the totals of one conversation.
func (s *Store) ConversationSummary(ctx context.Context, conversationID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM usage_records WHERE conversation_id = ?`,
		conversationID,
	)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("query conversation usage: %w", err)
	}
	return sum, nil
}

// SummaryByModel returns per-model aggregated totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByRole returns per-role aggregated totals for records within [start, end).
func (s *Store) SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "role", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		sum, err := scanSummary(rows, &key)
		if err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a record's tokens from the
// pricing table. Models not in the table are treated as free (local
// models). Cache pricing defaults to the input price when unset.
func ComputeCost(model string, rec Record, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cacheRead := entry.CacheReadPerMillion
	if cacheRead == 0 {
		cacheRead = entry.InputPerMillion
	}
	cacheWrite := entry.CacheWritePerMillion
	if cacheWrite == 0 {
		cacheWrite = entry.InputPerMillion
	}
	cost := float64(rec.InputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(rec.OutputTokens) / 1_000_000.0 * entry.OutputPerMillion
	cost += float64(rec.CacheRead) / 1_000_000.0 * cacheRead
	cost += float64(rec.CacheWrite) / 1_000_000.0 * cacheWrite
	return cost
}
