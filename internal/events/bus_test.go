package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestTypedSubscriptionReceivesOnlyItsType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypePolicyChanged)

	bus.Emit(TypeTrustAdjusted, "/trust", "dev-1", nil)
	bus.Emit(TypePolicyChanged, "/policy", "dev-1", map[string]interface{}{"action": "deny"})

	event := recv(t, ch)
	assert.Equal(t, TypePolicyChanged, event.Type)
	assert.Equal(t, "dev-1", event.Subject)
	assert.Equal(t, "1.0", event.SpecVersion)
	assert.NotEmpty(t, event.ID)
	assert.Len(t, ch, 0, "the trust event was filtered out")
}

func TestWildcardSubscriptionReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	bus.Emit(TypeTrustAdjusted, "/trust", "dev-1", nil)
	bus.Emit(TypeAnomalyDetected, "/sweep/alert", "dev-2", nil)

	first := recv(t, ch)
	second := recv(t, ch)
	assert.Equal(t, TypeTrustAdjusted, first.Type)
	assert.Equal(t, TypeAnomalyDetected, second.Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeThreatBlocked)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestFullSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeTrustAdjusted)

	// Second publish overflows the buffer; Emit must return regardless.
	done := make(chan struct{})
	go func() {
		bus.Emit(TypeTrustAdjusted, "/trust", "dev-1", nil)
		bus.Emit(TypeTrustAdjusted, "/trust", "dev-1", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}
