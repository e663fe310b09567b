package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/knotwright/internal/events"
	"github.com/nugget/knotwright/internal/llm"
	"github.com/nugget/knotwright/internal/summarizer"
	"github.com/nugget/knotwright/internal/toolcall"
	"github.com/nugget/knotwright/internal/tools"
	"github.com/nugget/knotwright/internal/usage"
)

// Executor runs tool calls. *tools.Registry implements it.
type Executor interface {
	Catalog() []llm.Tool
	Execute(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

// UsageRecorder persists per-call token usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// MultiUsage fans a usage record out to several recorders. Every
// recorder is called; the first error is returned.
func MultiUsage(recorders ...UsageRecorder) UsageRecorder {
	return multiUsage(recorders)
}

type multiUsage []UsageRecorder

func (m multiUsage) Record(ctx context.Context, rec usage.Record) error {
	var first error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Session is one goal-directed conversation. Turns are strictly
// sequential: turnMu is held for the whole turn, including the model
// call, while mu guards the fields read by snapshots.
type Session struct {
	id   string
	goal string
	llm  LLMConfig

	negotiator *llm.Negotiator
	compactor  *summarizer.Summarizer
	executor   Executor
	usage      UsageRecorder
	bus        *events.Bus
	logger     *slog.Logger

	turnMu    sync.Mutex
	cancelled atomic.Bool

	mu                sync.RWMutex
	transcript        []llm.Message
	iteration         int
	maxIterations     int
	status            Status
	created           []string
	modified          []string
	lastError         string
	completionSummary string
	awaitingUser      bool
	question          string
	createdAt         time.Time
	updatedAt         time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:                s.id,
		Goal:              s.goal,
		Status:            s.status,
		Iteration:         s.iteration,
		MaxIterations:     s.maxIterations,
		LLM:               s.llm,
		Path:              s.negotiator.PathFor(s.llm.Model),
		Transcript:        slices.Clone(s.transcript),
		Created:           slices.Clone(s.created),
		Modified:          slices.Clone(s.modified),
		LastError:         s.lastError,
		CompletionSummary: s.completionSummary,
		AwaitingUser:      s.awaitingUser,
		Question:          s.question,
		CreatedAt:         s.createdAt,
		UpdatedAt:         s.updatedAt,
	}
}

// requestCancel flags the session for cancellation. If no turn is in
// flight the session is cancelled immediately and the result is
// returned; otherwise the running turn finishes first.
func (s *Session) requestCancel() (TurnResult, bool) {
	s.cancelled.Store(true)
	if !s.turnMu.TryLock() {
		return TurnResult{}, false
	}
	defer s.turnMu.Unlock()
	return s.finishCancelled(), true
}

func (s *Session) finishCancelled() TurnResult {
	s.mu.Lock()
	if s.status == StatusActive {
		s.status = StatusCancelled
		s.awaitingUser = false
		s.question = ""
		s.updatedAt = time.Now()
	}
	s.mu.Unlock()
	return s.result(TurnResult{})
}

// result fills the session-wide fields of a turn result.
func (s *Session) result(r TurnResult) TurnResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r.SessionID = s.id
	r.Iteration = s.iteration
	r.MaxIterations = s.maxIterations
	r.Status = s.status
	r.Created = slices.Clone(s.created)
	r.Modified = slices.Clone(s.modified)
	r.CompletionSummary = s.completionSummary
	r.AwaitingUser = s.awaitingUser
	r.Question = s.question
	if r.Error == "" && s.status == StatusError {
		r.Error = s.lastError
	}
	if r.ToolCalls == nil {
		r.ToolCalls = []llm.ToolCall{}
	}
	return r
}

// advance runs one turn. userText, when non-nil, is appended as a user
// message first. The returned error is only ErrSessionNotActive; every
// other failure is reported in the result.
func (s *Session) advance(ctx context.Context, userText *string) (TurnResult, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.RLock()
	terminal := s.status.Terminal()
	s.mu.RUnlock()
	if terminal {
		return s.result(TurnResult{}), ErrSessionNotActive
	}
	if s.cancelled.Load() {
		return s.finishCancelled(), nil
	}

	s.mu.Lock()
	if userText != nil {
		s.transcript = append(s.transcript, llm.Message{Role: llm.RoleUser, Content: *userText})
		s.awaitingUser = false
		s.question = ""
	}
	transcript := slices.Clone(s.transcript)
	s.mu.Unlock()

	var turn TurnResult
	if rec := s.compact(ctx, transcript); rec != nil {
		turn.HistoryCompaction = rec
		s.mu.RLock()
		transcript = slices.Clone(s.transcript)
		s.mu.RUnlock()
	}

	s.mu.Lock()
	s.iteration++
	iteration := s.iteration
	s.mu.Unlock()

	res := s.chat(ctx, transcript, iteration)
	turn.Path = res.Path
	if !res.Success {
		s.logger.Warn("turn failed", "iteration", iteration, "path", res.Path, "error", res.Error)
		s.mu.Lock()
		s.status = StatusError
		s.lastError = res.Error
		s.updatedAt = time.Now()
		s.mu.Unlock()
		turn.Error = res.Error
		return s.result(turn), nil
	}

	msg := res.Message
	msg.Role = llm.RoleAssistant
	calls, warnings := s.resolveCalls(&msg, res.Path, &turn)
	turn.ToolCalls = calls

	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()
	turn.Message = &msg

	var completed, asked bool
	var summary, question string
	for _, call := range calls {
		tr := s.execute(ctx, call, iteration)
		turn.ToolResults = append(turn.ToolResults, tr)

		switch call.Name {
		case tools.MarkGoalComplete:
			if !tr.Failed {
				completed = true
				summary = tools.CompletionSummary(call.Arguments)
			}
		case tools.AskUser:
			if !tr.Failed {
				asked = true
				question = tools.Question(call.Arguments)
			}
		}
	}

	if len(calls) == 0 {
		warnings = append([]string{WarnNoToolCalls}, warnings...)
	}
	turn.Warning = strings.Join(warnings, "; ")

	s.mu.Lock()
	switch {
	case completed:
		s.status = StatusCompleted
		s.completionSummary = summary
	case s.iteration >= s.maxIterations:
		s.status = StatusMaxIterations
	case s.cancelled.Load():
		s.status = StatusCancelled
	case asked:
		s.awaitingUser = true
		s.question = question
	}
	s.updatedAt = time.Now()
	active := s.status == StatusActive
	s.mu.Unlock()

	turn.Continue = active && len(calls) > 0 && !asked
	return s.result(turn), nil
}

// compact runs the summarizer when the transcript is long enough and
// splices the result in. Failure leaves the transcript alone.
func (s *Session) compact(ctx context.Context, transcript []llm.Message) *summarizer.Record {
	if s.compactor == nil || !s.compactor.NeedsCompaction(transcript) {
		return nil
	}
	model := s.llm.Model
	if m := s.compactor.Config().Model; m != "" {
		model = m
	}
	start := time.Now()
	compacted, rec, err := s.compactor.Compact(ctx, s.llm.Model, transcript)
	s.recordUsage(ctx, usage.Record{
		Model:    model,
		Path:     string(llm.PathFallback),
		Purpose:  usage.PurposeSummary,
		Success:  err == nil,
		Duration: time.Since(start),
	})
	if err != nil {
		s.logger.Warn("history compaction failed, will retry next turn", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	s.mu.Lock()
	// Keep anything appended since the copy was taken.
	s.transcript = append(compacted, s.transcript[len(transcript):]...)
	s.mu.Unlock()

	s.bus.Emit(events.SourceSummarizer, events.KindCompaction, s.id, map[string]any{
		"messages_summarized": rec.MessagesSummarized,
		"messages_kept":       rec.MessagesKept,
	})
	return rec
}

func (s *Session) chat(ctx context.Context, transcript []llm.Message, iteration int) llm.NegotiatedResult {
	req := llm.ChatRequest{
		Model:    s.llm.Model,
		Messages: transcript,
		Options:  llm.Options{Temperature: s.llm.Temperature, NumPredict: s.llm.NumPredict},
		Timeout:  s.llm.Timeout,
	}

	s.logger.Debug("calling model",
		"iteration", iteration,
		"model", req.Model,
		"messages", len(transcript),
		"path", s.negotiator.PathFor(req.Model),
	)
	start := time.Now()
	res := s.negotiator.Chat(ctx, req, s.executor.Catalog())
	elapsed := time.Since(start)

	if res.Retried {
		s.bus.Emit(events.SourceLLM, events.KindFallback, s.id, map[string]any{
			"model":  req.Model,
			"server": s.negotiator.Client().BaseURL(),
			"error":  res.NativeError,
		})
	}
	s.recordUsage(ctx, usage.Record{
		Iteration:    iteration,
		Model:        req.Model,
		Path:         string(res.Path),
		Purpose:      usage.PurposeTurn,
		Success:      res.Success,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Duration:     elapsed,
	})

	s.logger.Info("model responded",
		"iteration", iteration,
		"model", req.Model,
		"path", res.Path,
		"retried", res.Retried,
		"success", res.Success,
		"tokens_in", res.InputTokens,
		"tokens_out", res.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return res
}

// resolveCalls returns the tool calls of an assistant message, native
// ones when present and otherwise those recovered from its text. The
// recovered calls are attached to msg so the transcript stays paired
// with the tool results that follow.
func (s *Session) resolveCalls(msg *llm.Message, path llm.Path, turn *TurnResult) ([]llm.ToolCall, []string) {
	if len(msg.ToolCalls) > 0 {
		return msg.ToolCalls, nil
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, nil
	}

	catalog := s.executor.Catalog()
	names := make([]string, len(catalog))
	for i, t := range catalog {
		names[i] = t.Name
	}
	ex := toolcall.Extract(msg.Content, toolcall.WithAllowedNames(names...))

	var warnings []string
	if len(ex.ParseErrors) > 0 {
		turn.ParseErrors = ex.ParseErrors
		warnings = append(warnings, fmt.Sprintf("%d tool call(s) could not be parsed", len(ex.ParseErrors)))
		s.logger.Debug("unparseable tool calls", "path", path, "count", len(ex.ParseErrors))
	}
	if len(ex.Rejected) > 0 {
		warnings = append(warnings, "ignored calls to unknown tools: "+strings.Join(ex.Rejected, ", "))
	}
	if len(ex.Calls) > 0 {
		msg.ToolCalls = ex.Calls
		if path == llm.PathNative {
			s.logger.Debug("recovered tool calls from text on native path", "count", len(ex.Calls))
		}
	}
	return ex.Calls, warnings
}

// execute runs one call and appends its result to the transcript.
// Executor errors become result text so one failing tool does not
// abort the turn.
func (s *Session) execute(ctx context.Context, call llm.ToolCall, iteration int) ToolResult {
	s.bus.Emit(events.SourceAgent, events.KindToolCall, s.id, map[string]any{
		"tool":      call.Name,
		"iteration": iteration,
	})
	start := time.Now()
	res, err := s.executor.Execute(ctx, call.Name, call.Arguments)
	elapsed := time.Since(start)

	tr := ToolResult{Name: call.Name, Arguments: call.Arguments, Result: res.Content}
	if err != nil {
		tr.Failed = true
		tr.Result = "Error: " + err.Error()
		s.logger.Warn("tool failed", "tool", call.Name, "error", err)
	} else {
		s.logger.Debug("tool executed", "tool", call.Name, "elapsed", elapsed.Round(time.Millisecond))
	}
	s.bus.Emit(events.SourceAgent, events.KindToolDone, s.id, map[string]any{
		"tool":        call.Name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})

	s.mu.Lock()
	s.transcript = append(s.transcript, llm.Message{Role: llm.RoleTool, ToolName: call.Name, Content: tr.Result})
	if err == nil {
		s.created = appendUnique(s.created, res.Created...)
		s.modified = appendUnique(s.modified, res.Modified...)
	}
	s.mu.Unlock()
	return tr
}

func (s *Session) recordUsage(ctx context.Context, rec usage.Record) {
	if s.usage == nil {
		return
	}
	rec.SessionID = s.id
	rec.Server = s.negotiator.Client().BaseURL()
	if err := s.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record usage", "error", err)
	}
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		if item != "" && !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}
