// Package events implements the in-process observability stream.
//
// Every orchestration stage publishes paired *_start/*_end events tagged
// with the request id. Subscribers register for specific types or the
// wildcard; delivery preserves per-request causal order because each
// request publishes from a single goroutine. A slow subscriber loses
// events rather than stalling the loop.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the orchestrator and its agents.
const (
	TypeRequestStart   = "request_start"
	TypeRequestEnd     = "request_end"
	TypeRetrievalStart = "retrieval_start"
	TypeRetrievalEnd   = "retrieval_end"
	TypeStateStart     = "state_start"
	TypeStateEnd       = "state_end"
	TypeToolsStart     = "tools_start"
	TypeToolsEnd       = "tools_end"
	TypePlanStart      = "plan_start"
	TypePlanEnd        = "plan_end"
	TypeRagRetryStart  = "rag_retry_start"
	TypeRagRetryEnd    = "rag_retry_end"
	TypeExecuteStart   = "execute_start"
	TypeExecuteEnd     = "execute_end"
	TypeObserveStart   = "observe_start"
	TypeObserveEnd     = "observe_end"
	TypeReflectStart   = "reflect_start"
	TypeReflectEnd     = "reflect_end"
	TypeError          = "error"

	// Wildcard subscribes to every type.
	Wildcard = "*"
)

// Event is one observability record. Append-only within a request.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id"`
	Agent     string         `json:"agent"`
	Phase     string         `json:"phase,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const subscriberBuffer = 256

type subscriber struct {
	types map[string]bool
	ch    chan Event
}

func (s *subscriber) wants(eventType string) bool {
	return s.types[Wildcard] || s.types[eventType]
}

// Bus broadcasts events to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for the given event types (or the wildcard) and
// returns the delivery channel plus an unsubscribe func. The channel is
// closed on unsubscribe.
func (b *Bus) Subscribe(types ...string) (<-chan Event, func()) {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	if len(typeSet) == 0 {
		typeSet[Wildcard] = true
	}

	sub := &subscriber{
		types: typeSet,
		ch:    make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts an event without blocking. Events for a subscriber
// whose buffer is full are dropped with a warning.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Dropping event for slow subscriber", "type", ev.Type, "request_id", ev.RequestID)
		}
	}
}
