package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/knotwright/internal/usage"
)

func TestDailyTokens_Counts(t *testing.T) {
	tests := []struct {
		name                       string
		calls                      [][2]int
		wantIn, wantOut, wantCalls int64
	}{
		{"empty", nil, 0, 0, 0},
		{"one turn", [][2]int{{812, 64}}, 812, 64, 1},
		{"turn and summary", [][2]int{{812, 64}, {2400, 180}}, 3212, 244, 2},
		{"failed call still counts", [][2]int{{0, 0}}, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt := NewDailyTokens(time.UTC)
			for _, c := range tt.calls {
				dt.OnTokens(c[0], c[1])
			}
			in, out, calls := dt.Snapshot()
			if in != tt.wantIn || out != tt.wantOut || calls != tt.wantCalls {
				t.Errorf("Snapshot() = (%d, %d, %d), want (%d, %d, %d)",
					in, out, calls, tt.wantIn, tt.wantOut, tt.wantCalls)
			}
		})
	}
}

func TestDailyTokens_RecordsUsage(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	ctx := context.Background()
	for _, rec := range []usage.Record{
		{SessionID: "s1", Model: "qwen3:4b", InputTokens: 120, OutputTokens: 30, Success: true},
		{SessionID: "s1", Model: "qwen3:4b", Success: false},
	} {
		if err := dt.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if in, out, calls := dt.Snapshot(); in != 120 || out != 30 || calls != 2 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (120, 30, 2)", in, out, calls)
	}
}

func TestDailyTokens_ResetsAtLocalMidnight(t *testing.T) {
	loc := time.FixedZone("CDT", -5*60*60)
	clock := time.Date(2026, 10, 19, 23, 58, 0, 0, loc)
	dt := NewDailyTokens(loc)
	dt.now = func() time.Time { return clock }
	dt.resetDay = clock.YearDay()

	dt.OnTokens(500, 600)
	clock = clock.Add(time.Minute)
	if in, _, _ := dt.Snapshot(); in != 500 {
		t.Fatalf("before midnight input = %d, want 500", in)
	}

	clock = clock.Add(2 * time.Minute)
	if in, out, calls := dt.Snapshot(); in != 0 || out != 0 || calls != 0 {
		t.Errorf("after midnight = (%d, %d, %d), want zeros", in, out, calls)
	}
	dt.OnTokens(7, 3)
	if in, _, calls := dt.Snapshot(); in != 7 || calls != 1 {
		t.Errorf("new day = (%d, _, %d), want (7, _, 1)", in, calls)
	}
}

func TestDailyTokens_ConcurrentSessions(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = dt.Record(context.Background(), usage.Record{InputTokens: 10, OutputTokens: 2})
		}()
	}
	wg.Wait()
	if in, out, calls := dt.Snapshot(); in != 500 || out != 100 || calls != 50 {
		t.Errorf("Snapshot() = (%d, %d, %d), want (500, 100, 50)", in, out, calls)
	}
}

func TestDailyTokens_DefaultLocation(t *testing.T) {
	if dt := NewDailyTokens(nil); dt.loc != time.Local {
		t.Errorf("loc = %v, want time.Local", dt.loc)
	}
}
