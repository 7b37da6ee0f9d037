package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/partsdial/commander/llm"
)

// extractionResult is the JSON shape the extraction prompt asks for.
type extractionResult struct {
	Quotes []ExtractedQuote `json:"quotes"`
}

// buildExtractionPrompt asks the model for structured quote data from the
// latest supplier utterance, scoped to the parts on this call.
func buildExtractionPrompt(st *CallState, utterance string) []llm.Message {
	var parts strings.Builder
	for _, p := range st.Parts {
		fmt.Fprintf(&parts, "- %s (qty %d)", p.PartNumber, p.Quantity)
		if p.Description != "" {
			fmt.Fprintf(&parts, ": %s", p.Description)
		}
		parts.WriteString("\n")
	}

	system := `You extract structured quote data from what a parts supplier just said on a phone call.
Respond with ONLY a JSON object of the form:
{"quotes": [{"part_number": "...", "price": 12.5, "availability": "in_stock", "lead_time_days": 3, "notes": "...", "is_substitute": false, "original_part_number": ""}]}
Rules:
- Include a quote entry only when the supplier actually gave information about that part.
- Omit "price" when no price was stated. Never invent numbers.
- If the supplier offered a substitute part, set is_substitute and original_part_number.
- Return {"quotes": []} when nothing quotable was said.`

	user := fmt.Sprintf("Parts on this call:\n%s\nSupplier just said: %q", parts.String(), utterance)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// extractQuotes runs LLM quote extraction over the supplier utterance. A nil
// slice with nil error means nothing quotable was found. Errors are returned
// for the caller to absorb: extraction is best-effort and never aborts a turn.
func (p *Processor) extractQuotes(ctx context.Context, st *CallState, utterance string) ([]ExtractedQuote, error) {
	temp := 0.0 // extraction should be deterministic
	resp, err := p.llm.Complete(ctx, llm.Request{
		Messages:    buildExtractionPrompt(st, utterance),
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("quote extraction: %w", err)
	}

	jsonContent := llm.ExtractJSON(resp.Content)
	if jsonContent == "" {
		return nil, fmt.Errorf("quote extraction: no JSON in response")
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(jsonContent), &result); err != nil {
		return nil, fmt.Errorf("quote extraction: parse: %w", err)
	}

	// Drop entries with no part number; the Commander keys prices by part.
	quotes := result.Quotes[:0]
	for _, q := range result.Quotes {
		if q.PartNumber != "" {
			quotes = append(quotes, q)
		}
	}
	return quotes, nil
}

// fallbackQuote builds a minimal quote from the deterministic price matcher
// when LLM extraction was unavailable but a price is clearly present.
func fallbackQuote(st *CallState, utterance string) *ExtractedQuote {
	price, ok := FirstPrice(utterance)
	if !ok {
		return nil
	}
	part := st.CurrentPart()
	if part == nil {
		return nil
	}
	return &ExtractedQuote{
		PartNumber: part.PartNumber,
		Price:      &price,
		Notes:      "price captured without LLM extraction",
	}
}
