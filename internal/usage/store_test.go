package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Each pooled connection to :memory: would see its own database.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:    now,
			SessionID:    "sess-1",
			Iteration:    1,
			Model:        "qwen3:4b",
			Server:       "http://localhost:11434",
			Path:         "native",
			Success:      true,
			InputTokens:  1000,
			OutputTokens: 500,
			Duration:     1500 * time.Millisecond,
		},
		{
			Timestamp:    now,
			SessionID:    "sess-1",
			Iteration:    2,
			Model:        "gemma:2b",
			Server:       "http://localhost:11434",
			Path:         "fallback",
			Success:      false,
			InputTokens:  2000,
			OutputTokens: 0,
			Duration:     500 * time.Millisecond,
		},
		{
			Timestamp:    now.Add(-48 * time.Hour),
			SessionID:    "sess-old",
			Model:        "qwen3:4b",
			Path:         "native",
			Purpose:      PurposeSummary,
			Success:      true,
			InputTokens:  99,
			OutputTokens: 99,
		},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := Summary{
		TotalRecords:      2,
		FailedRecords:     1,
		TotalInputTokens:  3000,
		TotalOutputTokens: 500,
		TotalDurationMs:   2000,
	}
	if *sum != want {
		t.Errorf("Summary = %+v, want %+v", *sum, want)
	}
}

func TestSessionSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := s.Record(ctx, Record{SessionID: "a", Iteration: i, Model: "m", Success: true, InputTokens: 10, OutputTokens: 5}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Record(ctx, Record{SessionID: "b", Model: "m", Success: true, InputTokens: 1}); err != nil {
		t.Fatal(err)
	}

	sum, err := s.SessionSummary(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 3 || sum.TotalInputTokens != 30 || sum.TotalOutputTokens != 15 {
		t.Errorf("SessionSummary(a) = %+v", sum)
	}

	empty, err := s.SessionSummary(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if empty.TotalRecords != 0 {
		t.Errorf("unknown session should have no records, got %+v", empty)
	}
}

func TestSummaryGrouped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, rec := range []Record{
		{SessionID: "a", Model: "qwen3:4b", Path: "native", Success: true, InputTokens: 100},
		{SessionID: "a", Model: "qwen3:4b", Path: "native", Success: true, InputTokens: 50},
		{SessionID: "b", Model: "gemma:2b", Path: "fallback", Success: true, InputTokens: 10},
	} {
		rec.Timestamp = now
		if err := s.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	byModel, err := s.SummaryByModel(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 2 || byModel["qwen3:4b"].TotalInputTokens != 150 || byModel["gemma:2b"].TotalRecords != 1 {
		t.Errorf("SummaryByModel = %+v", byModel)
	}

	byPath, err := s.SummaryByPath(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if byPath["native"].TotalRecords != 2 || byPath["fallback"].TotalRecords != 1 {
		t.Errorf("SummaryByPath = %+v", byPath)
	}
}

func TestRecord_GeneratesIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Record(ctx, Record{SessionID: "a", Model: "m"}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM usage_records WHERE purpose = ?`, PurposeTurn).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("distinct IDs = %d, want 2", n)
	}
}

func TestNewStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", path, err)
	}
	defer s.Close()
	if err := s.Record(context.Background(), Record{SessionID: "a", Model: "m"}); err != nil {
		t.Fatal(err)
	}
}
