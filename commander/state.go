// Package commander implements the per-request coordinator that observes
// events from all calls of one quote request and stages cross-call
// directives. Exactly one worker owns a request's state at any time; the
// dispatcher guarantees it by serializing each request's events.
package commander

import (
	"time"

	"github.com/partsdial/commander/overseer"
)

// TrackStatus is a call's status as tracked by the Commander.
type TrackStatus string

// Tracked call statuses. The transition is active → ended and irreversible:
// an event for an ended call updates historical data only.
const (
	TrackActive TrackStatus = "active"
	TrackEnded  TrackStatus = "ended"
)

// TrackedCall is the Commander's view of one call.
type TrackedCall struct {
	SupplierID   string      `json:"supplier_id,omitempty"`
	SupplierName string      `json:"supplier_name,omitempty"`
	Status       TrackStatus `json:"status"`
	Phase        string      `json:"phase,omitempty"`
}

// PriceObservation records the best (lowest) price seen across the request.
type PriceObservation struct {
	CallID       string    `json:"call_id"`
	SupplierName string    `json:"supplier_name,omitempty"`
	PartNumber   string    `json:"part_number"`
	Price        float64   `json:"price"`
	ObservedAt   time.Time `json:"observed_at"`
}

// State is the Commander's aggregate view of one quote request. It is
// mutated only by the single worker processing that request's event stream,
// strictly in enqueue order.
type State struct {
	QuoteRequestID string `json:"quote_request_id"`
	OrganizationID string `json:"organization_id,omitempty"`

	// ActiveCalls maps callID to its tracked view (including ended calls;
	// the name follows the store key, not the status filter).
	ActiveCalls map[string]*TrackedCall `json:"active_calls"`

	// BestPrice is the lowest price disclosed so far across all calls.
	BestPrice *PriceObservation `json:"best_price,omitempty"`

	// PartsOutstanding lists part numbers with no priced quote yet.
	PartsOutstanding []string `json:"parts_outstanding,omitempty"`

	// EventsProcessed increases by one per event, for diagnostics and
	// ordering verification.
	EventsProcessed int `json:"events_processed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates an empty Commander state for a request.
func NewState(quoteRequestID string) *State {
	now := time.Now().UTC()
	return &State{
		QuoteRequestID: quoteRequestID,
		ActiveCalls:    make(map[string]*TrackedCall),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Register tracks a call if it is not yet known. Registering an
// already-registered call is a no-op (at-least-once delivery makes
// re-registration routine). Returns true when the call was newly added.
func (s *State) Register(callID, supplierID, supplierName string) bool {
	if _, ok := s.ActiveCalls[callID]; ok {
		return false
	}
	s.ActiveCalls[callID] = &TrackedCall{
		SupplierID:   supplierID,
		SupplierName: supplierName,
		Status:       TrackActive,
	}
	return true
}

// MarkEnded flips a call to ended. Re-marking an ended call is a no-op; an
// ended call is never reactivated.
func (s *State) MarkEnded(callID string) {
	if call, ok := s.ActiveCalls[callID]; ok {
		call.Status = TrackEnded
	}
}

// IsActive reports whether the call is tracked and still active.
func (s *State) IsActive(callID string) bool {
	call, ok := s.ActiveCalls[callID]
	return ok && call.Status == TrackActive
}

// ActiveCount returns how many tracked calls are still active.
func (s *State) ActiveCount() int {
	n := 0
	for _, call := range s.ActiveCalls {
		if call.Status == TrackActive {
			n++
		}
	}
	return n
}

// removeOutstanding deletes part numbers from the outstanding list.
func (s *State) removeOutstanding(partNumbers []string) {
	if len(partNumbers) == 0 || len(s.PartsOutstanding) == 0 {
		return
	}
	drop := make(map[string]bool, len(partNumbers))
	for _, pn := range partNumbers {
		drop[pn] = true
	}
	kept := s.PartsOutstanding[:0]
	for _, pn := range s.PartsOutstanding {
		if !drop[pn] {
			kept = append(kept, pn)
		}
	}
	s.PartsOutstanding = kept
}

// ApplyEvent performs the deterministic, LLM-free state update for one
// event. It is a pure function of (state, event) apart from UpdatedAt:
// replaying the same ordered events against a fresh state yields the same
// call membership and ended set. It runs for every event, whether or not
// the analysis step later succeeds.
func ApplyEvent(s *State, ev overseer.Event) {
	s.EventsProcessed++
	s.UpdatedAt = time.Now().UTC()
	if s.OrganizationID == "" && ev.OrganizationID != "" {
		s.OrganizationID = ev.OrganizationID
	}

	call := s.ActiveCalls[ev.CallID]

	switch ev.EventType {
	case overseer.EventCallStarted:
		if call != nil && call.Status == TrackActive {
			call.Phase = "in_call"
		}

	case overseer.EventPriceDisclosed:
		price, ok := ev.Float("price")
		if !ok {
			return
		}
		partNumber := ev.String("part_number")
		if s.BestPrice == nil || price < s.BestPrice.Price {
			s.BestPrice = &PriceObservation{
				CallID:       ev.CallID,
				SupplierName: ev.SupplierName,
				PartNumber:   partNumber,
				Price:        price,
				ObservedAt:   ev.Timestamp,
			}
		}
		s.removeOutstanding([]string{partNumber})

	case overseer.EventQuoteExtracted:
		if parts, ok := ev.Data["part_numbers"].([]any); ok {
			partNumbers := make([]string, 0, len(parts))
			for _, p := range parts {
				if pn, ok := p.(string); ok {
					partNumbers = append(partNumbers, pn)
				}
			}
			s.removeOutstanding(partNumbers)
		}
		if call != nil && call.Status == TrackActive {
			call.Phase = "quoting"
		}

	case overseer.EventNegotiationStalled:
		if call != nil && call.Status == TrackActive {
			call.Phase = "stalled"
		}

	case overseer.EventEscalation:
		if call != nil {
			call.Phase = "escalated"
		}

	case overseer.EventCallEnded:
		s.MarkEnded(ev.CallID)
		if call != nil {
			if status := ev.String("status"); status != "" {
				call.Phase = status
			}
		}
	}
}
