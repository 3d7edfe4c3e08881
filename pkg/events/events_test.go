package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Event, n int, t *testing.T) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestTypedSubscription(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(TypePlanStart, TypePlanEnd)
	defer unsubscribe()

	bus.Publish(Event{Type: TypePlanStart, RequestID: "r1"})
	bus.Publish(Event{Type: TypeRetrievalStart, RequestID: "r1"})
	bus.Publish(Event{Type: TypePlanEnd, RequestID: "r1"})

	got := collect(ch, 2, t)
	assert.Equal(t, TypePlanStart, got[0].Type)
	assert.Equal(t, TypePlanEnd, got[1].Type)
}

func TestWildcardSubscription(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(Wildcard)
	defer unsubscribe()

	bus.Publish(Event{Type: TypeRequestStart, RequestID: "r1"})
	bus.Publish(Event{Type: TypeError, RequestID: "r1"})

	got := collect(ch, 2, t)
	assert.Equal(t, TypeRequestStart, got[0].Type)
	assert.Equal(t, TypeError, got[1].Type)
}

func TestEmptySubscriptionMeansWildcard(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(Event{Type: TypeObserveStart})
	got := collect(ch, 1, t)
	assert.Equal(t, TypeObserveStart, got[0].Type)
}

func TestPerRequestOrder(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(Wildcard)
	defer unsubscribe()

	sequence := []string{
		TypeRequestStart, TypeRetrievalStart, TypeRetrievalEnd,
		TypePlanStart, TypePlanEnd, TypeRequestEnd,
	}
	for _, typ := range sequence {
		bus.Publish(Event{Type: typ, RequestID: "r1"})
	}

	got := collect(ch, len(sequence), t)
	for i, typ := range sequence {
		assert.Equal(t, typ, got[i].Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(Wildcard)

	unsubscribe()
	unsubscribe() // safe to call twice

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeError})
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(Wildcard)
	defer unsubscribe()

	bus.Publish(Event{Type: TypeRequestStart})
	got := collect(ch, 1, t)
	require.False(t, got[0].Timestamp.IsZero())
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(Wildcard)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		// Overflow the buffer without anyone draining it.
		for i := 0; i < subscriberBuffer+50; i++ {
			bus.Publish(Event{Type: TypeExecuteStart})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
