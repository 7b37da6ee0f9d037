package overseer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DirectiveType classifies a Commander instruction to one call.
type DirectiveType string

// Directive types the Commander may stage for a call.
const (
	// DirectivePriceMatch asks the call to request a match of a competitor
	// price. Payload: "target_price" (float), "competitor" (string).
	DirectivePriceMatch DirectiveType = "price_match"

	// DirectivePushHarder asks the call to negotiate more aggressively.
	// Payload: optional "reason" (string).
	DirectivePushHarder DirectiveType = "push_harder"

	// DirectiveStopCall asks the call to wrap up politely; a better offer is
	// already in hand. Payload: optional "reason" (string).
	DirectiveStopCall DirectiveType = "stop_call"

	// DirectiveInformCompetitorPrice hands the call a competitor price to
	// cite without forcing a node change. Payload: "target_price",
	// "competitor".
	DirectiveInformCompetitorPrice DirectiveType = "inform_competitor_price"
)

// Directive is an instruction from the Commander to a specific call.
// It is staged under the target call's key and consumed at most once by that
// call's next turn. A directive whose target has already ended is dropped.
type Directive struct {
	ID           string         `json:"id"`
	TargetCallID string         `json:"target_call_id"`
	Type         DirectiveType  `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	StagedAt     time.Time      `json:"staged_at"`
}

// NewDirective creates a directive with a fresh ID and timestamp.
func NewDirective(targetCallID string, t DirectiveType, payload map[string]any) *Directive {
	return &Directive{
		ID:           uuid.New().String(),
		TargetCallID: targetCallID,
		Type:         t,
		Payload:      payload,
		StagedAt:     time.Now().UTC(),
	}
}

// Validate checks the fields required for staging.
func (d *Directive) Validate() error {
	if d.TargetCallID == "" {
		return fmt.Errorf("target_call_id is required")
	}
	switch d.Type {
	case DirectivePriceMatch, DirectivePushHarder, DirectiveStopCall, DirectiveInformCompetitorPrice:
	default:
		return fmt.Errorf("unknown directive type: %s", d.Type)
	}
	return nil
}

// Float returns a float64 value from the directive payload.
func (d *Directive) Float(key string) (float64, bool) {
	v, ok := d.Payload[key]
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

// String returns a string value from the directive payload ("" when absent).
func (d *Directive) String(key string) string {
	if v, ok := d.Payload[key].(string); ok {
		return v
	}
	return ""
}
