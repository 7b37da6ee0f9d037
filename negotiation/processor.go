package negotiation

import (
	"context"
	"log/slog"
	"time"

	"github.com/partsdial/commander/llm"
	"github.com/partsdial/commander/metrics"
	"github.com/partsdial/commander/overseer"
)

// llmCompleter is the subset of the LLM client used by the turn processor.
type llmCompleter interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// DirectiveSource yields staged Commander directives for a call, consuming
// them so each is delivered at most once.
type DirectiveSource interface {
	TakeDirectives(ctx context.Context, callID string) ([]*overseer.Directive, error)
}

// EventSink enqueues overseer events for the Commander. Publishing is the
// only cross-call side effect a turn is allowed.
type EventSink interface {
	Publish(ctx context.Context, ev overseer.Event) error
}

// Config bounds the processor's LLM usage and loop counters.
type Config struct {
	// TurnTimeout bounds each LLM invocation within a turn. On expiry the
	// scripted fallback is used and any late result is discarded.
	TurnTimeout time.Duration
	// Temperature for reply generation.
	Temperature float64
	// MaxTokens for reply generation (0 = endpoint default).
	MaxTokens int
	// MaxClarificationAttempts caps clarification loops before moving on.
	MaxClarificationAttempts int
}

// Processor advances one call's state machine by one turn per supplier
// utterance. It never returns an error: every internal failure degrades to a
// deterministic scripted response so the live call continues.
type Processor struct {
	llm        llmCompleter
	directives DirectiveSource
	events     EventSink
	scripts    *ScriptBook
	cfg        Config
	logger     *slog.Logger
}

// NewProcessor wires a turn processor.
func NewProcessor(llmClient llmCompleter, directives DirectiveSource, events EventSink, scripts *ScriptBook, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if scripts == nil {
		scripts = NewScriptBook(logger)
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 8 * time.Second
	}
	if cfg.MaxClarificationAttempts <= 0 {
		cfg.MaxClarificationAttempts = 2
	}
	return &Processor{
		llm:        llmClient,
		directives: directives,
		events:     events,
		scripts:    scripts,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessTurn advances the call by one turn: it appends the supplier
// utterance, applies at most one batch of staged directives, classifies the
// utterance, extracts quote data, resolves the next node, and produces the
// next AI utterance. The returned state is the input state mutated in place;
// the caller persists it as a unit.
func (p *Processor) ProcessTurn(ctx context.Context, st *CallState, utterance string) (*CallState, Reply) {
	if st.Terminal() {
		// No further turns once terminal; answer politely and hang up.
		return st, Reply{Text: p.scripts.Line(NodeEnd), EndCall: true}
	}

	metrics.TurnsProcessed.Inc()

	st.TurnNumber++
	st.UpdatedAt = time.Now().UTC()
	st.AppendTurn(SpeakerSupplier, utterance)

	if st.TurnNumber == 1 {
		p.emit(ctx, st, overseer.EventCallStarted, map[string]any{
			"supplier_id": st.SupplierID,
			"parts":       len(st.Parts),
		})
	}

	forced := p.consumeDirectives(ctx, st)

	class := ClassifyUtterance(utterance)

	if QuoteBearing(st.CurrentNode) && class != ClassBot && class != ClassTransfer {
		p.captureQuotes(ctx, st, utterance)
	}

	var next Node
	if forced != "" {
		next = forced
	} else {
		next = NextNode(st.CurrentNode, class)
		next = p.refine(st, class, next)
	}

	p.finalize(ctx, st, next)

	reply := Reply{
		Text:    p.generateReply(ctx, st, next, class),
		EndCall: TerminalNode(next),
	}

	st.CurrentNode = next
	st.AppendTurn(SpeakerAI, reply.Text)
	st.UpdatedAt = time.Now().UTC()

	return st, reply
}

// consumeDirectives applies staged directives at most once each and returns
// a forced node transition, or "" when the table should decide.
func (p *Processor) consumeDirectives(ctx context.Context, st *CallState) Node {
	if p.directives == nil {
		return ""
	}

	staged, err := p.directives.TakeDirectives(ctx, st.CallID)
	if err != nil {
		// Degraded: the directive stays unconsumed (or expired); the turn
		// proceeds on local state alone.
		p.logger.Warn("Failed to take directives", "call_id", st.CallID, "error", err)
		return ""
	}

	var forced Node
	for _, d := range staged {
		if st.DirectiveApplied(d.ID) {
			continue
		}
		st.AppliedDirectives = append(st.AppliedDirectives, d.ID)

		p.logger.Info("Applying directive",
			"call_id", st.CallID,
			"directive_id", d.ID,
			"type", d.Type)

		switch d.Type {
		case overseer.DirectiveStopCall:
			st.Status = StatusCompleted
			st.NextAction = ""
			forced = NodeEnd

		case overseer.DirectivePriceMatch:
			target, _ := d.Float("target_price")
			st.ActiveDirective = &DirectiveContext{
				Type:        string(d.Type),
				TargetPrice: &target,
				Competitor:  d.String("competitor"),
			}
			if part := st.CurrentPart(); part != nil {
				st.MarkNegotiated(part.PartNumber)
			}
			st.NegotiationAttempts++
			forced = NodeFinalOffer

		case overseer.DirectivePushHarder:
			st.ActiveDirective = &DirectiveContext{
				Type:   string(d.Type),
				Reason: d.String("reason"),
			}
			forced = NodeNegotiate

		case overseer.DirectiveInformCompetitorPrice:
			target, _ := d.Float("target_price")
			st.ActiveDirective = &DirectiveContext{
				Type:        string(d.Type),
				TargetPrice: &target,
				Competitor:  d.String("competitor"),
			}
			// Context only; the table still picks the node.
		}
	}
	return forced
}

// captureQuotes extracts structured quote data from the utterance with a
// bounded LLM call, falling back to the deterministic price matcher.
func (p *Processor) captureQuotes(ctx context.Context, st *CallState, utterance string) {
	var quotes []ExtractedQuote
	if p.llm != nil {
		llmCtx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
		defer cancel()

		extracted, err := p.extractQuotes(llmCtx, st, utterance)
		if err != nil {
			metrics.LLMFallbacks.WithLabelValues("extract").Inc()
			p.logger.Warn("Quote extraction fell back", "call_id", st.CallID, "error", err)
		} else {
			quotes = extracted
		}
	}
	if quotes == nil {
		if q := fallbackQuote(st, utterance); q != nil {
			quotes = []ExtractedQuote{*q}
		}
	}
	if len(quotes) == 0 {
		return
	}

	st.Quotes = append(st.Quotes, quotes...)

	partNumbers := make([]string, 0, len(quotes))
	for _, q := range quotes {
		partNumbers = append(partNumbers, q.PartNumber)
	}
	p.emit(ctx, st, overseer.EventQuoteExtracted, map[string]any{
		"part_numbers": partNumbers,
		"count":        len(quotes),
	})

	for _, q := range quotes {
		if q.Price == nil {
			continue
		}
		p.emit(ctx, st, overseer.EventPriceDisclosed, map[string]any{
			"part_number": q.PartNumber,
			"price":       *q.Price,
		})
	}
}

// refine applies state-dependent adjustments the pure transition table
// cannot express: attempt caps, part advancement, and budget checks.
func (p *Processor) refine(st *CallState, class Classification, next Node) Node {
	// Transfer bookkeeping.
	if next == NodeTransfer {
		st.NeedsTransfer = true
		st.WaitingForTransfer = true
	} else if st.CurrentNode == NodeTransfer {
		st.WaitingForTransfer = false
	}

	switch next {
	case NodeBotScreening:
		st.BotScreeningAttempts++
		if st.BotScreeningAttempts > st.MaxBotScreeningAttempts {
			// Nobody human is answering; mark for a later callback.
			st.Status = StatusNeedsCallback
			st.NextAction = ActionCallback
			return NodeEnd
		}

	case NodeClarify:
		st.ClarificationAttempts++
		if st.ClarificationAttempts > p.cfg.MaxClarificationAttempts {
			if !st.HasAnyQuote() && st.ClarificationAttempts > p.cfg.MaxClarificationAttempts+1 {
				st.NeedsHumanEscalation = true
				return NodeEscalate
			}
			return p.advance(st)
		}

	case NodeNegotiate:
		return p.refineNegotiate(st)

	case NodeRequestQuote:
		// A refusal on the current part means it isn't available here; a
		// negotiate/final-offer round that resolved also moves on.
		if class == ClassRefusal || st.CurrentNode == NodeNegotiate || st.CurrentNode == NodeFinalOffer {
			if st.CurrentNode != NodeGreeting && st.CurrentNode != NodeTransfer && st.CurrentNode != NodeBotScreening {
				st.CurrentPartIndex++
			}
			return p.advance(st)
		}
		if st.CurrentPart() == nil {
			return p.advance(st)
		}

	case NodeConfirm:
		if st.CurrentNode == NodeMiscCosts && class == ClassPriceGiven {
			st.HasMiscCosts = true
		}
	}

	return next
}

// refineNegotiate decides whether a negotiation round is actually warranted
// for the current part, honoring budget, the one-negotiation-per-part rule,
// and the attempt cap.
func (p *Processor) refineNegotiate(st *CallState) Node {
	part := st.CurrentPart()
	if part == nil {
		return p.advance(st)
	}

	quote := st.LatestQuoteFor(part.PartNumber)
	withinBudget := quote != nil && quote.Price != nil &&
		(part.BudgetMax <= 0 || *quote.Price <= part.BudgetMax)

	if withinBudget || st.HasNegotiated(part.PartNumber) || st.NegotiationAttempts >= st.MaxNegotiationAttempts {
		// Take the standing quote and move to the next part.
		st.CurrentPartIndex++
		return p.advance(st)
	}

	st.MarkNegotiated(part.PartNumber)
	st.NegotiationAttempts++
	if st.NegotiationAttempts >= st.MaxNegotiationAttempts {
		return NodeFinalOffer
	}
	return NodeNegotiate
}

// advance routes past the per-part loop: next part if any remain, otherwise
// misc costs once, then confirmation.
func (p *Processor) advance(st *CallState) Node {
	if st.CurrentPartIndex < len(st.Parts) {
		return NodeRequestQuote
	}
	if !st.AllPartsRequested {
		st.AllPartsRequested = true
		return NodeMiscCosts
	}
	return NodeConfirm
}

// finalize settles the call status when the next node is terminal and emits
// the corresponding overseer events.
func (p *Processor) finalize(ctx context.Context, st *CallState, next Node) {
	if !TerminalNode(next) {
		// Attempt cap with nothing to show for it stalls the negotiation.
		if st.NegotiationAttempts >= st.MaxNegotiationAttempts && !st.HasAnyQuote() && next == NodeFinalOffer {
			p.emit(ctx, st, overseer.EventNegotiationStalled, map[string]any{
				"attempts": st.NegotiationAttempts,
			})
		}
		return
	}

	if next == NodeEscalate {
		st.NeedsHumanEscalation = true
		if st.Status == StatusInProgress {
			st.Status = StatusEscalated
			st.NextAction = ActionHumanFollowup
		}
		p.emit(ctx, st, overseer.EventEscalation, map[string]any{
			"turn_number": st.TurnNumber,
		})
	}

	if st.Status == StatusInProgress || st.Status == "" {
		if st.HasAnyQuote() {
			st.Status = StatusCompleted
		} else {
			st.Status = StatusFailed
			st.NextAction = ActionHumanFollowup
		}
	}

	p.emit(ctx, st, overseer.EventCallEnded, map[string]any{
		"status":      string(st.Status),
		"next_action": st.NextAction,
		"quotes":      len(st.Quotes),
	})
}

// emit publishes an overseer event; failures are logged, never fatal to the
// turn.
func (p *Processor) emit(ctx context.Context, st *CallState, t overseer.EventType, data map[string]any) {
	if p.events == nil {
		return
	}
	ev := overseer.Event{
		CallID:         st.CallID,
		QuoteRequestID: st.QuoteRequestID,
		SupplierName:   st.SupplierName,
		OrganizationID: st.OrganizationID,
		EventType:      t,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}
	if err := p.events.Publish(ctx, ev); err != nil {
		p.logger.Warn("Failed to publish overseer event",
			"call_id", st.CallID,
			"event_type", t,
			"error", err)
	}
}
