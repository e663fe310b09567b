// Package usage records token usage for LLM calls made by sessions.
// Records are append-only and indexed by timestamp, session, and model
// for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Purpose values for Record.Purpose.
const (
	PurposeTurn    = "turn"
	PurposeSummary = "summary"
)

// Record is one LLM call.
type Record struct {
	ID           string
	Timestamp    time.Time
	SessionID    string
	Iteration    int
	Model        string
	Server       string
	Path         string // "native" or "fallback"
	Purpose      string // PurposeTurn or PurposeSummary
	Success      bool
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int   `json:"total_records"`
	FailedRecords     int   `json:"failed_records"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	TotalDurationMs   int64 `json:"total_duration_ms"`
}

// Store is an append-only SQLite store for usage records. All methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) a usage database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database, creating the schema if needed. The store
// takes ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
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
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		iteration     INTEGER NOT NULL,
		model         TEXT NOT NULL,
		server        TEXT NOT NULL,
		path          TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		success       INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. An empty ID gets a UUIDv7 and a zero
// Timestamp gets the current time.
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
	if rec.Purpose == "" {
		rec.Purpose = PurposeTurn
	}

	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, session_id, iteration, model, server, path, purpose,
			 success, input_tokens, output_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.SessionID,
		rec.Iteration,
		rec.Model,
		rec.Server,
		rec.Path,
		rec.Purpose,
		success,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(duration_ms), 0)`

func scanSummary(row interface{ Scan(...any) error }, prefix ...any) (*Summary, error) {
	var sum Summary
	dest := append(prefix, &sum.TotalRecords, &sum.FailedRecords,
		&sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalDurationMs)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Summary returns totals for records within [start, end).
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

// SessionSummary returns totals for one session.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM usage_records
		 WHERE session_id = ?`,
		sessionID,
	)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("query session usage: %w", err)
	}
	return sum, nil
}

// SummaryByModel returns per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByPath returns totals split by native and fallback tool-calling
// within [start, end).
func (s *Store) SummaryByPath(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "path", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from this package.
	query := fmt.Sprintf(
		`SELECT %s, `+summaryColumns+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY %s`,
		column, column, column,
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
