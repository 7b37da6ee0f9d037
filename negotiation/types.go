// Package negotiation implements the per-call conversational state machine
// that quotes and negotiates parts with one supplier, one turn at a time.
// A call's state is owned exclusively by its turn processor invocation;
// the Commander only reads it for lookups.
package negotiation

import (
	"time"
)

// Speaker identifies who produced a conversation turn.
type Speaker string

// Speakers recorded in the conversation history.
const (
	SpeakerAI       Speaker = "ai"
	SpeakerSupplier Speaker = "supplier"
	SpeakerSystem   Speaker = "system"
)

// CallStatus is the lifecycle status of a call. Any value other than
// StatusInProgress is terminal.
type CallStatus string

// Call statuses.
const (
	StatusInProgress    CallStatus = "in_progress"
	StatusCompleted     CallStatus = "completed"
	StatusFailed        CallStatus = "failed"
	StatusNeedsCallback CallStatus = "needs_callback"
	StatusEscalated     CallStatus = "escalated"
)

// NextAction values suggested for terminal calls.
const (
	ActionHumanFollowup = "human_followup"
	ActionCallback      = "callback"
)

// Part is one line item the buyer wants quoted.
type Part struct {
	PartNumber  string  `json:"part_number"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	BudgetMax   float64 `json:"budget_max,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// Turn is one utterance in the conversation history.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtractedQuote is structured quote data pulled from supplier speech.
// Quotes are append-only; a later entry for the same part supersedes earlier
// ones for decision purposes while history is retained.
type ExtractedQuote struct {
	PartNumber         string   `json:"part_number"`
	Price              *float64 `json:"price,omitempty"`
	Availability       string   `json:"availability,omitempty"`
	LeadTimeDays       *int     `json:"lead_time_days,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	IsSubstitute       bool     `json:"is_substitute,omitempty"`
	OriginalPartNumber string   `json:"original_part_number,omitempty"`
}

// DirectiveContext carries an applied Commander directive's negotiation
// intent into subsequent prompts until the call ends.
type DirectiveContext struct {
	Type        string   `json:"type"`
	TargetPrice *float64 `json:"target_price,omitempty"`
	Competitor  string   `json:"competitor,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// CallState is the complete state of one active call. It is created when the
// call begins, read-modify-written as a unit once per supplier turn, and
// expires from the store after completion plus a retention window.
type CallState struct {
	// Identity.
	CallID         string `json:"call_id"`
	QuoteRequestID string `json:"quote_request_id"`
	SupplierID     string `json:"supplier_id,omitempty"`
	SupplierName   string `json:"supplier_name,omitempty"`
	SupplierPhone  string `json:"supplier_phone,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Negotiation payload: ordered parts to quote.
	Parts []Part `json:"parts"`

	// CurrentPartIndex points at the part currently being quoted.
	CurrentPartIndex int `json:"current_part_index"`

	// CurrentNode is the state-machine node for the next AI utterance.
	CurrentNode Node `json:"current_node"`

	// History is the append-only ordered conversation record.
	History []Turn `json:"history"`

	// Negotiation counters.
	NegotiationAttempts     int      `json:"negotiation_attempts"`
	MaxNegotiationAttempts  int      `json:"max_negotiation_attempts"`
	NegotiatedParts         []string `json:"negotiated_parts,omitempty"`
	ClarificationAttempts   int      `json:"clarification_attempts"`
	BotScreeningAttempts    int      `json:"bot_screening_attempts"`
	MaxBotScreeningAttempts int      `json:"max_bot_screening_attempts"`

	// Flags.
	NeedsTransfer        bool `json:"needs_transfer"`
	NeedsHumanEscalation bool `json:"needs_human_escalation"`
	AllPartsRequested    bool `json:"all_parts_requested"`
	HasMiscCosts         bool `json:"has_misc_costs"`
	WaitingForTransfer   bool `json:"waiting_for_transfer"`
	IsFollowUp           bool `json:"is_follow_up"`

	// TurnNumber increments once per supplier utterance; the Commander uses
	// it for staleness detection. It never decreases.
	TurnNumber int `json:"turn_number"`

	// Quotes accumulated so far (append-only).
	Quotes []ExtractedQuote `json:"quotes,omitempty"`

	// Status is terminal once it leaves in_progress.
	Status CallStatus `json:"status"`

	// NextAction suggests the follow-up for terminal calls.
	NextAction string `json:"next_action,omitempty"`

	// AppliedDirectives records IDs of consumed directives so replays and
	// tests can verify at-most-once application.
	AppliedDirectives []string `json:"applied_directives,omitempty"`

	// ActiveDirective is the negotiation intent of the most recently applied
	// directive, carried into prompts.
	ActiveDirective *DirectiveContext `json:"active_directive,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the call has reached a terminal status.
func (s *CallState) Terminal() bool {
	return s.Status != "" && s.Status != StatusInProgress
}

// CurrentPart returns the part being quoted, or nil when all parts are done.
func (s *CallState) CurrentPart() *Part {
	if s.CurrentPartIndex < 0 || s.CurrentPartIndex >= len(s.Parts) {
		return nil
	}
	return &s.Parts[s.CurrentPartIndex]
}

// AppendTurn appends one utterance to the conversation history.
func (s *CallState) AppendTurn(speaker Speaker, text string) {
	s.History = append(s.History, Turn{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// HasNegotiated reports whether the part was already negotiated in this call.
func (s *CallState) HasNegotiated(partNumber string) bool {
	for _, p := range s.NegotiatedParts {
		if p == partNumber {
			return true
		}
	}
	return false
}

// MarkNegotiated records a part as negotiated. The set only grows; marking
// an already-present part is a no-op, so a part is never negotiated twice.
func (s *CallState) MarkNegotiated(partNumber string) {
	if partNumber == "" || s.HasNegotiated(partNumber) {
		return
	}
	s.NegotiatedParts = append(s.NegotiatedParts, partNumber)
}

// LatestQuoteFor returns the most recent quote for a part number, or nil.
func (s *CallState) LatestQuoteFor(partNumber string) *ExtractedQuote {
	for i := len(s.Quotes) - 1; i >= 0; i-- {
		if s.Quotes[i].PartNumber == partNumber {
			return &s.Quotes[i]
		}
	}
	return nil
}

// HasAnyQuote reports whether any quote with a price was extracted.
func (s *CallState) HasAnyQuote() bool {
	for _, q := range s.Quotes {
		if q.Price != nil {
			return true
		}
	}
	return false
}

// DirectiveApplied reports whether the directive ID was already consumed.
func (s *CallState) DirectiveApplied(id string) bool {
	for _, applied := range s.AppliedDirectives {
		if applied == id {
			return true
		}
	}
	return false
}

// Reply is the AI's response for one turn.
type Reply struct {
	// Text is the utterance to speak.
	Text string
	// EndCall signals the telephony platform to hang up after speaking.
	EndCall bool
}

// NewCallState seeds state for a call that is about to begin.
func NewCallState(callID, quoteRequestID string, parts []Part) *CallState {
	now := time.Now().UTC()
	return &CallState{
		CallID:                  callID,
		QuoteRequestID:          quoteRequestID,
		Parts:                   parts,
		CurrentNode:             NodeGreeting,
		Status:                  StatusInProgress,
		MaxNegotiationAttempts:  3,
		MaxBotScreeningAttempts: 3,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}
