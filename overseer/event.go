// Package overseer defines the coordination records exchanged between calls
// and the per-request Commander: events published by call turns, and
// directives staged by the Commander for specific calls.
package overseer

import (
	"fmt"
	"time"
)

// EventType classifies a notable state change within one call.
type EventType string

// Event types published by the negotiation turn processor.
const (
	EventCallStarted        EventType = "call_started"
	EventQuoteExtracted     EventType = "quote_extracted"
	EventPriceDisclosed     EventType = "price_disclosed"
	EventNegotiationStalled EventType = "negotiation_stalled"
	EventEscalation         EventType = "escalation"
	EventCallEnded          EventType = "call_ended"
)

// DecisionWorthy reports whether the event type should trigger the
// Commander's LLM analysis step. All other event types only receive the
// deterministic state update.
func (t EventType) DecisionWorthy() bool {
	switch t {
	case EventPriceDisclosed, EventQuoteExtracted, EventEscalation, EventCallEnded:
		return true
	default:
		return false
	}
}

// Event is a notable state change in one call, published for the Commander
// to observe. Events are immutable; ordering is guaranteed per quote request,
// not globally.
type Event struct {
	CallID         string         `json:"call_id"`
	QuoteRequestID string         `json:"quote_request_id"`
	SupplierName   string         `json:"supplier_name"`
	OrganizationID string         `json:"organization_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Validate checks the fields required for routing and processing.
func (e *Event) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	if e.QuoteRequestID == "" {
		return fmt.Errorf("quote_request_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	return nil
}

// Float returns a float64 value from the event data, with ok=false when the
// key is absent or not numeric. JSON round-trips land numbers as float64.
func (e *Event) Float(key string) (float64, bool) {
	v, ok := e.Data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// String returns a string value from the event data ("" when absent).
func (e *Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}
