// Package events carries what happens during a conversation turn to
// whoever is watching: a per-turn [Sequencer] that preserves program order
// for the caller driving the turn, and a broadcast [Bus] for relays
// (websocket, MQTT). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"

	"github.com/nugget/aki/internal/llm"
)

// Kind constants describe the type of a turn event.
const (
	// KindToken is an incremental text delta from the model.
	// Fields: Text.
	KindToken = "token"
	// KindReasoning is an incremental reasoning delta.
	// Fields: Text.
	KindReasoning = "reasoning"
	// KindToolStepStart is emitted for every call of a batch before
	// the batch runs. Fields: ToolCall.
	KindToolStepStart = "tool_step_start"
	// KindToolStepEnd is emitted per call after the batch, in call
	// order. Fields: ToolResult.
	KindToolStepEnd = "tool_step_end"
	// KindUsage reports token accounting for one model call.
	// Fields: Usage, Text (model id).
	KindUsage = "usage"
	// KindSummarized signals that history was compacted.
	// Fields: Text (new summary).
	KindSummarized = "summarized"
	// KindTurnEnd is the last event of a turn. Fields: State, and
	// Error when the turn failed.
	KindTurnEnd = "turn_end"
)

// TurnEvent is one observable step of a turn.
type TurnEvent struct {
	// Seq numbers the events of one turn from 1 without gaps.
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"ts"`
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`

	Text       string          `json:"text,omitempty"`
	ToolCall   *llm.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *llm.ToolResult `json:"tool_result,omitempty"`
	Usage      *llm.Usage      `json:"usage,omitempty"`
	// State is the flattened conversation state at turn end.
	State map[string]any `json:"state,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Bus broadcasts events to every subscriber without blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive view handed to the subscriber.
	subs map[<-chan TurnEvent]chan TurnEvent
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan TurnEvent]chan TurnEvent)}
}

// Publish delivers e to every subscriber with buffer room. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e TurnEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with the given buffer. The caller
// must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan TurnEvent {
	ch := make(chan TurnEvent, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Repeated
// calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan TurnEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
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
