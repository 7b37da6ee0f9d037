package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsdial/commander/negotiation"
	"github.com/partsdial/commander/storage"
)

// memStore is an in-memory call state store.
type memStore struct {
	states map[string]*negotiation.CallState
	putErr error
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*negotiation.CallState)}
}

func (m *memStore) GetCallState(_ context.Context, callID string) (*negotiation.CallState, error) {
	if st, ok := m.states[callID]; ok {
		return st, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) PutCallState(_ context.Context, st *negotiation.CallState) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.states[st.CallID] = st
	return nil
}

// echoProcessor advances the turn counter and echoes a canned reply.
type echoProcessor struct {
	reply negotiation.Reply
}

func (p *echoProcessor) ProcessTurn(_ context.Context, st *negotiation.CallState, utterance string) (*negotiation.CallState, negotiation.Reply) {
	st.TurnNumber++
	st.AppendTurn(negotiation.SpeakerSupplier, utterance)
	st.CurrentNode = negotiation.NodeRequestQuote
	return st, p.reply
}

func newTestMux(store Store, processor Processor) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(store, processor, CallDefaults{MaxNegotiationAttempts: 5}, nil).RegisterHTTPHandlers("/webhook", mux)
	return mux
}

func turnBody(callLogID, content string) *bytes.Buffer {
	body := map[string]any{
		"message": map[string]string{"role": "user", "content": content},
		"call": map[string]any{
			"id":       "platform-id",
			"metadata": map[string]string{"callLogId": callLogID},
		},
	}
	data, _ := json.Marshal(body)
	return bytes.NewBuffer(data)
}

func TestCallTurn(t *testing.T) {
	store := newMemStore()
	store.states["c1"] = negotiation.NewCallState("c1", "req-1", []negotiation.Part{{PartNumber: "A100", Quantity: 1}})
	mux := newTestMux(store, &echoProcessor{reply: negotiation.Reply{Text: "What's your price on A100?"}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/call-turn", turnBody("c1", "Parts desk")))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "What's your price on A100?", resp.Message.Content)
	assert.False(t, resp.EndCall)
	assert.Equal(t, "request_quote", resp.Metadata.CurrentNode)
	assert.Equal(t, "in_progress", resp.Metadata.Status)

	// The mutated state was written back as a unit.
	assert.Equal(t, 1, store.states["c1"].TurnNumber)
}

// TestCallTurn_UnknownCall pins the error contract: HTTP 200 with a spoken
// apology and endCall, never a 4xx/5xx the platform would retry.
func TestCallTurn_UnknownCall(t *testing.T) {
	mux := newTestMux(newMemStore(), &echoProcessor{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/call-turn", turnBody("ghost", "hello")))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.EndCall)
	assert.Equal(t, negotiation.Apology, resp.Message.Content)
}

func TestCallTurn_BadBody(t *testing.T) {
	mux := newTestMux(newMemStore(), &echoProcessor{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/call-turn", strings.NewReader("{not json")))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.EndCall)
	assert.Equal(t, negotiation.Apology, resp.Message.Content)
}

func TestCallTurn_StoreWriteFailure(t *testing.T) {
	store := newMemStore()
	store.states["c1"] = negotiation.NewCallState("c1", "req-1", nil)
	store.putErr = errors.New("kv down")
	mux := newTestMux(store, &echoProcessor{reply: negotiation.Reply{Text: "hi"}})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/call-turn", turnBody("c1", "hello")))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.EndCall, "a lost state write must end the call cleanly")
}

func TestCallStart(t *testing.T) {
	store := newMemStore()
	mux := newTestMux(store, &echoProcessor{})

	body, _ := json.Marshal(CallStartRequest{
		CallID:         "c1",
		QuoteRequestID: "req-1",
		SupplierName:   "Acme",
		Parts:          []negotiation.Part{{PartNumber: "A100", Quantity: 2, BudgetMax: 50}},
	})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/call-start", bytes.NewBuffer(body)))

	require.Equal(t, http.StatusCreated, rec.Code)

	st := store.states["c1"]
	require.NotNil(t, st)
	assert.Equal(t, "req-1", st.QuoteRequestID)
	assert.Equal(t, "Acme", st.SupplierName)
	assert.Equal(t, negotiation.StatusInProgress, st.Status)
	assert.Equal(t, negotiation.NodeGreeting, st.CurrentNode)
	assert.Equal(t, 5, st.MaxNegotiationAttempts, "configured default applied")
	require.Len(t, st.Parts, 1)
}

func TestCallStart_MissingIDs(t *testing.T) {
	mux := newTestMux(newMemStore(), &echoProcessor{})

	body, _ := json.Marshal(CallStartRequest{CallID: "c1"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/call-start", bytes.NewBuffer(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	mux := newTestMux(newMemStore(), &echoProcessor{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
