// Package connwatch tracks whether inference servers are reachable.
//
// A Watcher probes one server in two phases. At startup it retries with
// exponential backoff until the first success or until the retry budget
// runs out. Afterwards it polls at a fixed interval and reports state
// transitions through OnReady and OnDown.
//
// Transport-level retries for individual requests live in httpkit; this
// package is concerned with outages that last seconds to minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc reports nil when the watched server answers.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the values from
// [DefaultBackoff].
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// StartupAttempts bounds the backoff phase.
	StartupAttempts int
	// PollInterval applies once the backoff phase ends.
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff retries at 2s, 4s, 8s ... up to 60s for ten attempts,
// then polls every 60 seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:    2 * time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		PollInterval:    60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows delay by the multiplier, capped at MaxDelay.
func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Target describes one watched server.
type Target struct {
	// Name identifies the server in logs and status output, usually its
	// base URL.
	Name    string
	Probe   ProbeFunc
	Backoff Backoff
	// OnReady runs on its own goroutine after a down-to-ready transition.
	OnReady func()
	// OnDown runs on its own goroutine after a ready-to-down transition.
	OnDown func(err error)
}

// Status is the JSON view of a watched server.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single server in the background.
type Watcher struct {
	target Target
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	checks    int
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool { return w.ready.Load() }

// Status returns a snapshot of the watcher state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.target.Name,
		Ready:     w.ready.Load(),
		Checks:    w.checks,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.target.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.StartupAttempts; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("inference server reachable", "attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == b.StartupAttempts {
			w.logger.Warn("inference server unreachable, polling in background",
				"attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("probe failed, retrying",
			"attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && !w.ready.Load() {
				w.logger.Debug("inference server still unreachable", "error", err)
			}
		}
	}
}

// check runs one probe and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.target.Backoff.ProbeTimeout)
	err := w.target.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.checks++
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil && !wasReady:
		if w.target.OnReady != nil {
			go w.target.OnReady()
		}
	case err != nil && wasReady:
		w.logger.Warn("inference server became unreachable", "error", err)
		if w.target.OnDown != nil {
			go w.target.OnDown(err)
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers for every configured server.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher for t. Watching a name twice returns the
// existing watcher. It panics when Name or Probe is missing.
func (m *Manager) Watch(ctx context.Context, t Target) *Watcher {
	if t.Name == "" || t.Probe == nil {
		panic("connwatch: target needs a name and a probe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[t.Name]; ok {
		return w
	}
	t.Backoff = t.Backoff.withDefaults()
	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target: t,
		logger: m.logger.With("server", t.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.watchers[t.Name] = w
	go w.run(watchCtx)
	return w
}

// Status lists every watched server sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
