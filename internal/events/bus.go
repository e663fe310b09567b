// Package events provides a publish/subscribe bus for session activity.
// Events flow from the session manager, negotiator, and summarizer to
// subscribers such as the WebSocket stream and the MQTT publisher. The
// bus is nil-safe: publishing on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the session manager.
	SourceAgent = "agent"
	// SourceLLM identifies events from the transport and negotiator.
	SourceLLM = "llm"
	// SourceSummarizer identifies events from history compaction.
	SourceSummarizer = "summarizer"
	// SourceConnwatch identifies inference server health events.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionStart signals a new session.
	// Data: goal, model, max_iterations.
	KindSessionStart = "session_start"
	// KindTurnUpdate carries a completed turn. Data: update (the turn
	// update value, JSON-encodable).
	KindTurnUpdate = "turn_update"
	// KindSessionEnd signals that a session was destroyed.
	// Data: status.
	KindSessionEnd = "session_end"

	// KindToolCall signals the start of a tool execution.
	// Data: tool, iteration.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindFallback signals that a model was switched to text tool-calling.
	// Data: model, server, error.
	KindFallback = "fallback"

	// KindCompaction signals that a transcript was compacted.
	// Data: messages_summarized, messages_kept.
	KindCompaction = "compaction"

	// KindUpstream signals an inference server readiness change.
	// Data: server, ready, error.
	KindUpstream = "upstream"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// SessionID is the session the event belongs to, if any.
	SessionID string `json:"session_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber. A zero Timestamp is
// set to the current time. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing a session event.
func (b *Bus) Emit(source, kind, sessionID string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, SessionID: sessionID, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable buffer
// for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
