package commander

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsdial/commander/overseer"
)

func TestRegisterIdempotent(t *testing.T) {
	st := NewState("req-1")

	require.True(t, st.Register("c1", "sup-1", "Acme"))
	assert.False(t, st.Register("c1", "sup-other", "Other"), "re-registration must be a no-op")

	call := st.ActiveCalls["c1"]
	require.NotNil(t, call)
	assert.Equal(t, "sup-1", call.SupplierID, "re-registration must not overwrite")
	assert.Equal(t, TrackActive, call.Status)
}

func TestMarkEndedIrreversible(t *testing.T) {
	st := NewState("req-1")
	st.Register("c1", "sup-1", "Acme")

	st.MarkEnded("c1")
	assert.False(t, st.IsActive("c1"))

	// A replayed call_started for an ended call must not reactivate it.
	st.Register("c1", "sup-1", "Acme")
	ApplyEvent(st, overseer.Event{
		CallID:         "c1",
		QuoteRequestID: "req-1",
		EventType:      overseer.EventCallStarted,
		Timestamp:      time.Now(),
	})
	assert.False(t, st.IsActive("c1"), "ended calls never reactivate")

	// Re-marking an ended call is a no-op.
	st.MarkEnded("c1")
	assert.Equal(t, TrackEnded, st.ActiveCalls["c1"].Status)

	// Marking an unknown call is a no-op.
	st.MarkEnded("ghost")
	assert.NotContains(t, st.ActiveCalls, "ghost")
}

func TestApplyEventBestPrice(t *testing.T) {
	st := NewState("req-1")
	st.Register("c1", "", "Acme")
	st.Register("c2", "", "Rival")
	st.PartsOutstanding = []string{"A100", "B200"}

	ApplyEvent(st, priceEvent("c1", "Acme", "A100", 50))
	require.NotNil(t, st.BestPrice)
	assert.Equal(t, 50.0, st.BestPrice.Price)
	assert.Equal(t, []string{"B200"}, st.PartsOutstanding)

	// A lower price from another call takes over.
	ApplyEvent(st, priceEvent("c2", "Rival", "A100", 42))
	assert.Equal(t, 42.0, st.BestPrice.Price)
	assert.Equal(t, "c2", st.BestPrice.CallID)

	// A higher price does not.
	ApplyEvent(st, priceEvent("c1", "Acme", "B200", 60))
	assert.Equal(t, 42.0, st.BestPrice.Price)
	assert.Empty(t, st.PartsOutstanding)

	assert.Equal(t, 3, st.EventsProcessed)
}

func TestApplyEventCallEnded(t *testing.T) {
	st := NewState("req-1")
	st.Register("c1", "", "Acme")

	ApplyEvent(st, overseer.Event{
		CallID:         "c1",
		QuoteRequestID: "req-1",
		EventType:      overseer.EventCallEnded,
		Timestamp:      time.Now(),
		Data:           map[string]any{"status": "completed"},
	})

	assert.False(t, st.IsActive("c1"))
	assert.Equal(t, "completed", st.ActiveCalls["c1"].Phase)
}

// TestApplyEventReplayDeterminism replays the same ordered event sequence
// against two fresh states and requires identical call membership, ended
// sets, and best price.
func TestApplyEventReplayDeterminism(t *testing.T) {
	events := []overseer.Event{
		startEvent("c1", "Acme"),
		startEvent("c2", "Rival"),
		priceEvent("c1", "Acme", "A100", 55),
		priceEvent("c2", "Rival", "A100", 48),
		{CallID: "c1", QuoteRequestID: "req-1", EventType: overseer.EventCallEnded, Data: map[string]any{"status": "completed"}},
		// Redelivery of an already-applied ending.
		{CallID: "c1", QuoteRequestID: "req-1", EventType: overseer.EventCallEnded, Data: map[string]any{"status": "completed"}},
	}

	replay := func() *State {
		st := NewState("req-1")
		for _, ev := range events {
			st.Register(ev.CallID, "", ev.SupplierName)
			ApplyEvent(st, ev)
		}
		return st
	}

	a, b := replay(), replay()

	require.Equal(t, len(a.ActiveCalls), len(b.ActiveCalls))
	for id, call := range a.ActiveCalls {
		other, ok := b.ActiveCalls[id]
		require.True(t, ok, "call %s missing on replay", id)
		assert.Equal(t, call.Status, other.Status, "call %s status", id)
		assert.Equal(t, call.Phase, other.Phase, "call %s phase", id)
	}
	require.NotNil(t, a.BestPrice)
	require.NotNil(t, b.BestPrice)
	assert.Equal(t, a.BestPrice.Price, b.BestPrice.Price)
	assert.Equal(t, a.EventsProcessed, b.EventsProcessed)

	assert.False(t, a.IsActive("c1"))
	assert.True(t, a.IsActive("c2"))
}

func TestActiveCount(t *testing.T) {
	st := NewState("req-1")
	assert.Equal(t, 0, st.ActiveCount())
	st.Register("c1", "", "")
	st.Register("c2", "", "")
	st.MarkEnded("c1")
	assert.Equal(t, 1, st.ActiveCount())
}

func startEvent(callID, supplier string) overseer.Event {
	return overseer.Event{
		CallID:         callID,
		QuoteRequestID: "req-1",
		SupplierName:   supplier,
		EventType:      overseer.EventCallStarted,
		Timestamp:      time.Now(),
	}
}

func priceEvent(callID, supplier, part string, price float64) overseer.Event {
	return overseer.Event{
		CallID:         callID,
		QuoteRequestID: "req-1",
		SupplierName:   supplier,
		EventType:      overseer.EventPriceDisclosed,
		Timestamp:      time.Now(),
		Data:           map[string]any{"part_number": part, "price": price},
	}
}
