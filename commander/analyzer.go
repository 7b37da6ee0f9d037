package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/partsdial/commander/llm"
	"github.com/partsdial/commander/overseer"
)

// analysisDirective is the JSON shape the analysis prompt asks for.
type analysisDirective struct {
	TargetCallID string   `json:"target_call_id"`
	Type         string   `json:"type"`
	TargetPrice  *float64 `json:"target_price,omitempty"`
	Competitor   string   `json:"competitor,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// analysisResult is the full analysis response.
type analysisResult struct {
	Directives []analysisDirective `json:"directives"`
	Summary    string              `json:"summary,omitempty"`
}

// analyze asks the LLM whether the event warrants cross-call directives.
// It is best-effort enrichment: any error is returned for the worker to log
// and swallow; the deterministic update has already been applied.
func (w *Worker) analyze(ctx context.Context, st *State, ev overseer.Event) ([]*overseer.Directive, error) {
	llmCtx, cancel := context.WithTimeout(ctx, w.cfg.AnalysisTimeout)
	defer cancel()

	temp := 0.0 // coordination decisions should be reproducible
	resp, err := w.llm.Complete(llmCtx, llm.Request{
		Messages:    buildAnalysisPrompt(st, ev),
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis completion: %w", err)
	}

	jsonContent := llm.ExtractJSON(resp.Content)
	if jsonContent == "" {
		return nil, fmt.Errorf("analysis: no JSON in response")
	}

	var result analysisResult
	if err := json.Unmarshal([]byte(jsonContent), &result); err != nil {
		return nil, fmt.Errorf("analysis: parse: %w", err)
	}

	directives := make([]*overseer.Directive, 0, len(result.Directives))
	for _, ad := range result.Directives {
		d := overseer.NewDirective(ad.TargetCallID, overseer.DirectiveType(ad.Type), buildPayload(ad))
		if err := d.Validate(); err != nil {
			w.logger.Warn("Dropping malformed proposed directive",
				"quote_request_id", st.QuoteRequestID,
				"error", err)
			continue
		}
		directives = append(directives, d)
	}

	if result.Summary != "" {
		w.logger.Debug("Analysis summary",
			"quote_request_id", st.QuoteRequestID,
			"summary", result.Summary)
	}

	return directives, nil
}

func buildPayload(ad analysisDirective) map[string]any {
	payload := make(map[string]any)
	if ad.TargetPrice != nil {
		payload["target_price"] = *ad.TargetPrice
	}
	if ad.Competitor != "" {
		payload["competitor"] = ad.Competitor
	}
	if ad.Reason != "" {
		payload["reason"] = ad.Reason
	}
	return payload
}

// buildAnalysisPrompt summarizes the request's calls and the triggering
// event, and asks for zero or more directives.
func buildAnalysisPrompt(st *State, ev overseer.Event) []llm.Message {
	system := `You coordinate several simultaneous phone calls negotiating part quotes with different suppliers for one buyer request.
Given the current coordination state and a new event from one call, decide whether any OTHER active call should change its behavior.
Respond with ONLY a JSON object:
{"directives": [{"target_call_id": "...", "type": "price_match|push_harder|stop_call|inform_competitor_price", "target_price": 10.5, "competitor": "...", "reason": "..."}], "summary": "..."}
Rules:
- Propose directives only for calls listed as active. Never target the call the event came from.
- price_match / inform_competitor_price need target_price (the better price seen elsewhere).
- stop_call only when a strictly better complete offer is already secured.
- An empty directives array is a perfectly good answer.`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Quote request %s.\n\nCalls:\n", st.QuoteRequestID)

	// Stable order keeps the prompt reproducible for identical state.
	callIDs := make([]string, 0, len(st.ActiveCalls))
	for id := range st.ActiveCalls {
		callIDs = append(callIDs, id)
	}
	sort.Strings(callIDs)
	for _, id := range callIDs {
		call := st.ActiveCalls[id]
		fmt.Fprintf(&sb, "- %s: supplier=%q status=%s phase=%s\n", id, call.SupplierName, call.Status, call.Phase)
	}

	if st.BestPrice != nil {
		fmt.Fprintf(&sb, "\nBest price so far: $%.2f for %s from %q (call %s).\n",
			st.BestPrice.Price, st.BestPrice.PartNumber, st.BestPrice.SupplierName, st.BestPrice.CallID)
	}
	if len(st.PartsOutstanding) > 0 {
		fmt.Fprintf(&sb, "Parts still without a quote: %s.\n", strings.Join(st.PartsOutstanding, ", "))
	}

	evData, _ := json.Marshal(ev.Data)
	fmt.Fprintf(&sb, "\nNew event from call %s (supplier %q) at %s:\ntype=%s data=%s\n",
		ev.CallID, ev.SupplierName, ev.Timestamp.Format(time.RFC3339), ev.EventType, evData)

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: sb.String()},
	}
}
