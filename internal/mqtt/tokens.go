package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/knotwright/internal/usage"
)

// DailyTokens tracks token usage that resets at local midnight. It is
// safe for concurrent use. Its Record method lets it sit alongside the
// usage store as a session usage recorder.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnTokens adds the token counts of one completed call, resetting the
// counters first if the local date has changed.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Record implements the session usage recorder interface. Failed calls
// count as requests with whatever tokens they reported.
func (d *DailyTokens) Record(_ context.Context, rec usage.Record) error {
	d.OnTokens(rec.InputTokens, rec.OutputTokens)
	return nil
}

// Snapshot returns input tokens, output tokens, and request count for
// today.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.requests
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.requests = 0
		d.resetDay = today
	}
}
