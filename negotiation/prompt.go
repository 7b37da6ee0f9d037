package negotiation

import (
	"context"
	"fmt"
	"strings"

	"github.com/partsdial/commander/llm"
	"github.com/partsdial/commander/metrics"
	"github.com/partsdial/commander/overseer"
)

// historyWindow is how many recent turns are included in reply prompts.
const historyWindow = 8

// nodeObjectives describe what the AI utterance at each node must accomplish.
var nodeObjectives = map[Node]string{
	NodeGreeting:     "Open the call politely and ask to speak with whoever handles parts quotes.",
	NodeBotScreening: "You appear to have reached an automated system or voicemail. Say a short line asking for the parts department.",
	NodeRequestQuote: "Ask for price and availability on the current part. State the part number and quantity clearly.",
	NodeClarify:      "Answer the supplier's question about the part using only the details you have, then steer back to getting the quote.",
	NodeNegotiate:    "The quoted price is above budget. Ask once, professionally, whether they can do better. Do not reveal the exact budget.",
	NodeFinalOffer:   "Make a final-round ask: state the target number you need and that you can commit today if they meet it.",
	NodeMiscCosts:    "Ask whether there are shipping, handling, or other fees on top of the quoted prices.",
	NodeConfirm:      "Recap the quoted parts, prices, and lead times, and confirm the quote details.",
	NodeTransfer:     "Acknowledge the transfer briefly and say you will hold.",
	NodeEscalate:     "Politely close: someone from the purchasing team will follow up to finish this.",
	NodeEnd:          "Thank them and close the call politely.",
}

// generateReply produces the next AI utterance via the LLM, falling back to
// the node's scripted line on timeout or failure. The fallback is part of
// the contract: a live call must always get a reply.
func (p *Processor) generateReply(ctx context.Context, st *CallState, next Node, class Classification) string {
	if p.llm == nil {
		return p.fallbackLine(st, next)
	}

	llmCtx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancel()

	temp := p.cfg.Temperature
	resp, err := p.llm.Complete(llmCtx, llm.Request{
		Messages:    p.buildReplyPrompt(st, next, class),
		Temperature: &temp,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		metrics.LLMFallbacks.WithLabelValues("reply").Inc()
		p.logger.Warn("Reply generation fell back to script",
			"call_id", st.CallID,
			"node", next,
			"error", err)
		return p.fallbackLine(st, next)
	}

	return strings.TrimSpace(resp.Content)
}

// fallbackLine picks the scripted line for a node, swapping in the follow-up
// greeting on repeat calls.
func (p *Processor) fallbackLine(st *CallState, n Node) string {
	if n == NodeGreeting {
		return p.scripts.Greeting(st.IsFollowUp)
	}
	return p.scripts.Line(n)
}

// buildReplyPrompt assembles the persona, call context, node objective, and
// recent conversation for reply generation.
func (p *Processor) buildReplyPrompt(st *CallState, next Node, class Classification) []llm.Message {
	var sb strings.Builder
	sb.WriteString("You are a professional procurement agent on a live phone call with a parts supplier")
	if st.SupplierName != "" {
		fmt.Fprintf(&sb, " (%s)", st.SupplierName)
	}
	sb.WriteString(". Speak naturally in one or two short sentences; your words are read aloud verbatim.\n\n")

	if st.IsFollowUp {
		sb.WriteString("This is a follow-up call; you have spoken with this supplier before about this request.\n")
	}

	sb.WriteString("Parts to quote:\n")
	for i, part := range st.Parts {
		marker := " "
		if i == st.CurrentPartIndex {
			marker = ">"
		}
		fmt.Fprintf(&sb, "%s %s qty %d", marker, part.PartNumber, part.Quantity)
		if part.Description != "" {
			fmt.Fprintf(&sb, " (%s)", part.Description)
		}
		sb.WriteString("\n")
	}

	if st.ActiveDirective != nil {
		sb.WriteString("\nCoordination context from your team:\n")
		switch st.ActiveDirective.Type {
		case string(overseer.DirectivePriceMatch), string(overseer.DirectiveInformCompetitorPrice):
			if st.ActiveDirective.TargetPrice != nil {
				fmt.Fprintf(&sb, "- Another supplier offered $%.2f", *st.ActiveDirective.TargetPrice)
				if st.ActiveDirective.Competitor != "" {
					fmt.Fprintf(&sb, " (%s)", st.ActiveDirective.Competitor)
				}
				sb.WriteString("; use it as leverage without naming them.\n")
			}
		default:
			if st.ActiveDirective.Reason != "" {
				fmt.Fprintf(&sb, "- %s\n", st.ActiveDirective.Reason)
			}
		}
	}

	fmt.Fprintf(&sb, "\nYour objective right now: %s\n", nodeObjectives[next])
	fmt.Fprintf(&sb, "The supplier's last response was classified as: %s.\n", class)
	sb.WriteString("Respond with ONLY the words you will say next. No stage directions, no quotes.")

	messages := []llm.Message{{Role: "system", Content: sb.String()}}

	start := len(st.History) - historyWindow
	if start < 0 {
		start = 0
	}
	for _, turn := range st.History[start:] {
		role := "user"
		if turn.Speaker == SpeakerAI {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}

	return messages
}
