// Package webhook exposes the telephony-facing HTTP surface: the per-turn
// webhook the voice platform calls with each supplier utterance, the
// call-start seeding endpoint, and a liveness probe. The turn handler always
// answers HTTP 200: on any internal failure the caller gets a graceful
// spoken apology with endCall set, so the platform never retries into a
// broken session.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/partsdial/commander/negotiation"
	"github.com/partsdial/commander/storage"
)

// maxBodySize limits webhook request bodies to prevent DoS.
const maxBodySize = 1 << 20 // 1 MB

// Processor advances one call by one turn.
type Processor interface {
	ProcessTurn(ctx context.Context, st *negotiation.CallState, utterance string) (*negotiation.CallState, negotiation.Reply)
}

// Store reads and writes call state blobs as a unit.
type Store interface {
	GetCallState(ctx context.Context, callID string) (*negotiation.CallState, error)
	PutCallState(ctx context.Context, st *negotiation.CallState) error
}

// CallDefaults are the per-call caps applied when seeding new call state.
type CallDefaults struct {
	MaxNegotiationAttempts  int
	MaxBotScreeningAttempts int
}

// Handler serves the call-turn webhook contract.
type Handler struct {
	store     Store
	processor Processor
	defaults  CallDefaults
	logger    *slog.Logger

	// turnLocks serializes turns per call: a new turn never starts before
	// the previous one's state write completes.
	mu        sync.Mutex
	turnLocks map[string]*sync.Mutex
}

// NewHandler creates a webhook handler.
func NewHandler(store Store, processor Processor, defaults CallDefaults, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		processor: processor,
		defaults:  defaults,
		logger:    logger,
		turnLocks: make(map[string]*sync.Mutex),
	}
}

// RegisterHTTPHandlers registers the webhook endpoints.
// The prefix should be "/webhook" (without trailing slash).
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	// POST /webhook/call-turn - advance one call by one supplier utterance
	mux.HandleFunc("POST "+prefix+"/call-turn", h.handleCallTurn)

	// POST /webhook/call-start - seed state for a call about to begin
	mux.HandleFunc("POST "+prefix+"/call-start", h.handleCallStart)

	// GET /healthz - static liveness probe, independent of any state
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

// TurnRequest is the webhook payload from the telephony platform.
type TurnRequest struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Call struct {
		ID       string `json:"id"`
		Metadata struct {
			CallLogID string `json:"callLogId"`
		} `json:"metadata"`
	} `json:"call"`
}

// stateKey resolves the call state key: the platform's callLogId when set,
// otherwise the platform call id.
func (r *TurnRequest) stateKey() string {
	if r.Call.Metadata.CallLogID != "" {
		return r.Call.Metadata.CallLogID
	}
	return r.Call.ID
}

// TurnResponse is the webhook reply the platform speaks aloud.
type TurnResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	EndCall  bool         `json:"endCall"`
	Metadata TurnMetadata `json:"metadata"`
}

// TurnMetadata describes the call's state after the turn, for diagnostics.
type TurnMetadata struct {
	CurrentNode     string `json:"currentNode"`
	Status          string `json:"status"`
	QuotesExtracted int    `json:"quotesExtracted"`
	NeedsEscalation bool   `json:"needsEscalation"`
}

// handleCallTurn runs one turn of the negotiation state machine. It always
// responds 200: internal failures become a spoken apology plus endCall so
// the supplier hears a clean hand-off instead of silence.
func (h *Handler) handleCallTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.logger.Warn("Undecodable turn request", "error", err)
		h.writeApology(w, "")
		return
	}

	callID := req.stateKey()
	if callID == "" {
		h.logger.Warn("Turn request without call id")
		h.writeApology(w, "")
		return
	}

	lock := h.lockFor(callID)
	lock.Lock()
	defer lock.Unlock()

	st, err := h.store.GetCallState(r.Context(), callID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("Turn for unknown call", "call_id", callID)
		} else {
			h.logger.Error("Call state load failed", "call_id", callID, "error", err)
		}
		h.writeApology(w, callID)
		return
	}

	st, reply := h.processor.ProcessTurn(r.Context(), st, req.Message.Content)

	if err := h.store.PutCallState(r.Context(), st); err != nil {
		// The turn happened but its state is lost; end cleanly rather than
		// desync the conversation from the stored state.
		h.logger.Error("Call state write failed", "call_id", callID, "error", err)
		h.writeApology(w, callID)
		return
	}

	resp := TurnResponse{
		EndCall: reply.EndCall,
		Metadata: TurnMetadata{
			CurrentNode:     string(st.CurrentNode),
			Status:          string(st.Status),
			QuotesExtracted: len(st.Quotes),
			NeedsEscalation: st.NeedsHumanEscalation,
		},
	}
	resp.Message.Role = "assistant"
	resp.Message.Content = reply.Text

	h.writeJSON(w, resp)
}

// CallStartRequest seeds state for a call that is about to begin. It is
// posted by the system placing the call, before the first turn arrives.
type CallStartRequest struct {
	CallID         string             `json:"call_id"`
	QuoteRequestID string             `json:"quote_request_id"`
	SupplierID     string             `json:"supplier_id,omitempty"`
	SupplierName   string             `json:"supplier_name,omitempty"`
	SupplierPhone  string             `json:"supplier_phone,omitempty"`
	OrganizationID string             `json:"organization_id,omitempty"`
	Parts          []negotiation.Part `json:"parts"`
	IsFollowUp     bool               `json:"is_follow_up,omitempty"`
}

func (h *Handler) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var req CallStartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallID == "" || req.QuoteRequestID == "" {
		http.Error(w, "call_id and quote_request_id are required", http.StatusBadRequest)
		return
	}

	st := negotiation.NewCallState(req.CallID, req.QuoteRequestID, req.Parts)
	if h.defaults.MaxNegotiationAttempts > 0 {
		st.MaxNegotiationAttempts = h.defaults.MaxNegotiationAttempts
	}
	if h.defaults.MaxBotScreeningAttempts > 0 {
		st.MaxBotScreeningAttempts = h.defaults.MaxBotScreeningAttempts
	}
	st.SupplierID = req.SupplierID
	st.SupplierName = req.SupplierName
	st.SupplierPhone = req.SupplierPhone
	st.OrganizationID = req.OrganizationID
	st.IsFollowUp = req.IsFollowUp

	if err := h.store.PutCallState(r.Context(), st); err != nil {
		h.logger.Error("Call seeding failed", "call_id", req.CallID, "error", err)
		http.Error(w, "failed to store call state", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Seeded call state",
		"call_id", req.CallID,
		"quote_request_id", req.QuoteRequestID,
		"parts", len(req.Parts))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"call_id": req.CallID, "status": string(st.Status)}); err != nil {
		h.logger.Warn("Response encoding failed", "error", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// writeApology answers a broken turn with the graceful hand-off line and an
// immediate, clean termination. Always HTTP 200 by contract.
func (h *Handler) writeApology(w http.ResponseWriter, callID string) {
	resp := TurnResponse{
		EndCall: true,
		Metadata: TurnMetadata{
			Status: string(negotiation.StatusFailed),
		},
	}
	resp.Message.Role = "assistant"
	resp.Message.Content = negotiation.Apology

	if callID != "" {
		h.logger.Info("Ending call with apology", "call_id", callID)
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Response encoding failed", "error", err)
	}
}

// lockFor returns the per-call turn lock, creating it on first use.
func (h *Handler) lockFor(callID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lock, ok := h.turnLocks[callID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	h.turnLocks[callID] = lock
	return lock
}
