package commander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/partsdial/commander/llm"
	"github.com/partsdial/commander/metrics"
	"github.com/partsdial/commander/negotiation"
	"github.com/partsdial/commander/overseer"
)

// ErrStateNotFound is returned by state stores when no Commander state
// exists for a request yet.
var ErrStateNotFound = errors.New("commander state not found")

// llmCompleter is the subset of the LLM client used by the worker.
type llmCompleter interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// stateStore persists Commander state blobs.
type stateStore interface {
	GetCommanderState(ctx context.Context, quoteRequestID string) (*State, error)
	PutCommanderState(ctx context.Context, st *State) error
}

// callReader reads call state for supplier resolution and reconstruction.
// The worker never writes call state; calls own their own state.
type callReader interface {
	GetCallState(ctx context.Context, callID string) (*negotiation.CallState, error)
	ListCallStatesByRequest(ctx context.Context, quoteRequestID string) ([]*negotiation.CallState, error)
}

// directiveStager stages directives for target calls.
type directiveStager interface {
	StageDirective(ctx context.Context, d *overseer.Directive) error
}

// Config bounds the worker's behavior.
type Config struct {
	// InitRetryDelay is the fixed wait before the single retry when state
	// reconstruction finds no active calls (first event racing call
	// initialization elsewhere).
	InitRetryDelay time.Duration
	// AnalysisTimeout bounds the LLM analysis step.
	AnalysisTimeout time.Duration
}

// Worker processes one request's overseer events strictly in order. The
// dispatcher guarantees a single Worker invocation at a time per request, so
// the state blob has exactly one writer by construction.
type Worker struct {
	states     stateStore
	calls      callReader
	directives directiveStager
	llm        llmCompleter
	cfg        Config
	logger     *slog.Logger
}

// NewWorker wires a Commander worker. llmClient may be nil to disable the
// analysis step entirely (deterministic updates still run).
func NewWorker(states stateStore, calls callReader, directives directiveStager, llmClient llmCompleter, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitRetryDelay <= 0 {
		cfg.InitRetryDelay = 500 * time.Millisecond
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 15 * time.Second
	}
	return &Worker{
		states:     states,
		calls:      calls,
		directives: directives,
		llm:        llmClient,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleEvent processes one overseer event. Every step is idempotent at the
// effect level, so at-least-once delivery and replays are safe. An error is
// returned only when the final state write fails; everything before that
// degrades and logs instead.
func (w *Worker) HandleEvent(ctx context.Context, ev overseer.Event) error {
	if err := ev.Validate(); err != nil {
		// Malformed events can never succeed; drop rather than redeliver.
		w.logger.Warn("Dropping malformed event", "error", err)
		return nil
	}

	logger := w.logger.With(
		"quote_request_id", ev.QuoteRequestID,
		"call_id", ev.CallID,
		"event_type", ev.EventType)

	// Step 1: state acquisition, reconstructing when absent.
	st, err := w.loadOrReconstruct(ctx, ev.QuoteRequestID)
	if err != nil {
		return fmt.Errorf("load commander state: %w", err)
	}

	// Step 2: call registration, resolving the real supplier id from the
	// call's own state (best-effort; empty is an acceptable degraded value).
	if _, known := st.ActiveCalls[ev.CallID]; !known {
		supplierID, supplierName := w.resolveSupplier(ctx, ev)
		st.Register(ev.CallID, supplierID, supplierName)
		logger.Debug("Registered call", "supplier_id", supplierID)
	}

	// Step 3: deterministic update. Always applied, regardless of whether
	// the analysis step below is even attempted.
	ApplyEvent(st, ev)
	metrics.EventsProcessed.Inc()

	// Step 4: conditional LLM analysis, best-effort enrichment.
	var proposed []*overseer.Directive
	if ev.EventType.DecisionWorthy() && w.llm != nil {
		proposed, err = w.analyze(ctx, st, ev)
		if err != nil {
			metrics.AnalysisFailures.Inc()
			logger.Warn("Analysis step failed, keeping deterministic update", "error", err)
		}
	}

	// Step 5: directive staging with per-directive fault isolation.
	for _, d := range proposed {
		w.stageDirective(ctx, st, d, logger)
	}

	// Step 6: persist unconditionally, even when step 4 failed.
	if err := w.states.PutCommanderState(ctx, st); err != nil {
		return fmt.Errorf("persist commander state: %w", err)
	}

	logger.Debug("Event processed",
		"events_processed", st.EventsProcessed,
		"active_calls", st.ActiveCount())

	return nil
}

// loadOrReconstruct loads the Commander state, rebuilding it from currently
// active calls when missing. When the first event outraces call-state
// initialization and zero calls are discoverable, it retries once after a
// fixed delay and then proceeds with an empty parts context rather than
// failing the job.
func (w *Worker) loadOrReconstruct(ctx context.Context, quoteRequestID string) (*State, error) {
	st, err := w.states.GetCommanderState(ctx, quoteRequestID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	calls, err := w.calls.ListCallStatesByRequest(ctx, quoteRequestID)
	if err != nil {
		w.logger.Warn("Active call lookup failed during reconstruction",
			"quote_request_id", quoteRequestID, "error", err)
	}

	if len(calls) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.cfg.InitRetryDelay):
		}
		calls, err = w.calls.ListCallStatesByRequest(ctx, quoteRequestID)
		if err != nil {
			w.logger.Warn("Active call lookup retry failed",
				"quote_request_id", quoteRequestID, "error", err)
		}
		if len(calls) == 0 {
			w.logger.Warn("Reconstructing commander state with no discoverable calls",
				"quote_request_id", quoteRequestID)
		}
	}

	st = NewState(quoteRequestID)
	outstanding := make(map[string]bool)
	for _, call := range calls {
		st.Register(call.CallID, call.SupplierID, call.SupplierName)
		if call.Terminal() {
			st.MarkEnded(call.CallID)
		}
		for _, part := range call.Parts {
			if q := call.LatestQuoteFor(part.PartNumber); q == nil || q.Price == nil {
				outstanding[part.PartNumber] = true
			}
		}
	}
	for pn := range outstanding {
		st.PartsOutstanding = append(st.PartsOutstanding, pn)
	}

	w.logger.Info("Reconstructed commander state",
		"quote_request_id", quoteRequestID,
		"calls", len(calls),
		"parts_outstanding", len(st.PartsOutstanding))

	return st, nil
}

// resolveSupplier reads the call's own state for supplier identity.
func (w *Worker) resolveSupplier(ctx context.Context, ev overseer.Event) (string, string) {
	call, err := w.calls.GetCallState(ctx, ev.CallID)
	if err != nil {
		// Degraded but acceptable: event-supplied name, empty id.
		return "", ev.SupplierName
	}
	name := call.SupplierName
	if name == "" {
		name = ev.SupplierName
	}
	return call.SupplierID, name
}

// stageDirective stages one directive if its target is still active. A
// failure to stage one directive never prevents staging the others.
func (w *Worker) stageDirective(ctx context.Context, st *State, d *overseer.Directive, logger *slog.Logger) {
	if !st.IsActive(d.TargetCallID) {
		metrics.DirectivesDropped.Inc()
		logger.Info("Skipping directive for inactive call",
			"target_call_id", d.TargetCallID,
			"type", d.Type)
		return
	}

	if err := w.directives.StageDirective(ctx, d); err != nil {
		logger.Warn("Failed to stage directive",
			"target_call_id", d.TargetCallID,
			"type", d.Type,
			"error", err)
		return
	}

	metrics.DirectivesStaged.WithLabelValues(string(d.Type)).Inc()
	logger.Info("Staged directive",
		"target_call_id", d.TargetCallID,
		"type", d.Type)
}
