package commander

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsdial/commander/llm"
	"github.com/partsdial/commander/llm/testutil"
	"github.com/partsdial/commander/negotiation"
	"github.com/partsdial/commander/overseer"
)

type fakeStates struct {
	states   map[string]*State
	putCount int
	putErr   error
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[string]*State)}
}

func (f *fakeStates) GetCommanderState(_ context.Context, quoteRequestID string) (*State, error) {
	if st, ok := f.states[quoteRequestID]; ok {
		return st, nil
	}
	return nil, ErrStateNotFound
}

func (f *fakeStates) PutCommanderState(_ context.Context, st *State) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.states[st.QuoteRequestID] = st
	f.putCount++
	return nil
}

type fakeCalls struct {
	calls     map[string]*negotiation.CallState
	listCalls int
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{calls: make(map[string]*negotiation.CallState)}
}

func (f *fakeCalls) GetCallState(_ context.Context, callID string) (*negotiation.CallState, error) {
	if st, ok := f.calls[callID]; ok {
		return st, nil
	}
	return nil, errors.New("call state not found")
}

func (f *fakeCalls) ListCallStatesByRequest(_ context.Context, quoteRequestID string) ([]*negotiation.CallState, error) {
	f.listCalls++
	var out []*negotiation.CallState
	for _, st := range f.calls {
		if st.QuoteRequestID == quoteRequestID {
			out = append(out, st)
		}
	}
	return out, nil
}

type fakeStager struct {
	staged     []*overseer.Directive
	failTarget string
}

func (f *fakeStager) StageDirective(_ context.Context, d *overseer.Directive) error {
	if d.TargetCallID == f.failTarget {
		return errors.New("staging failed")
	}
	f.staged = append(f.staged, d)
	return nil
}

func testConfig() Config {
	return Config{InitRetryDelay: 5 * time.Millisecond, AnalysisTimeout: time.Second}
}

const priceMatchAnalysis = `{"directives": [{"target_call_id": "c2", "type": "price_match", "target_price": 42, "competitor": "Acme"}], "summary": "ask rival to match"}`

// TestHandleEvent_PriceMatchAcrossCalls covers the cross-call coordination
// path: a price disclosed on one call produces a price-match directive
// staged for the other active call.
func TestHandleEvent_PriceMatchAcrossCalls(t *testing.T) {
	states := newFakeStates()
	st := NewState("req-1")
	st.Register("c1", "sup-1", "Acme")
	st.Register("c2", "sup-2", "Rival")
	states.states["req-1"] = st

	stager := &fakeStager{}
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: priceMatchAnalysis}}}
	w := NewWorker(states, newFakeCalls(), stager, mock, testConfig(), nil)

	err := w.HandleEvent(context.Background(), priceEvent("c1", "Acme", "A100", 42))
	require.NoError(t, err)

	require.Len(t, stager.staged, 1)
	d := stager.staged[0]
	assert.Equal(t, "c2", d.TargetCallID)
	assert.Equal(t, overseer.DirectivePriceMatch, d.Type)
	price, ok := d.Float("target_price")
	require.True(t, ok)
	assert.Equal(t, 42.0, price)
	assert.Equal(t, "Acme", d.String("competitor"))

	// Deterministic update landed too.
	persisted := states.states["req-1"]
	require.NotNil(t, persisted.BestPrice)
	assert.Equal(t, 42.0, persisted.BestPrice.Price)
}

// TestHandleEvent_DirectiveForEndedCallDropped verifies a directive whose
// target already ended is skipped, never staged.
func TestHandleEvent_DirectiveForEndedCallDropped(t *testing.T) {
	states := newFakeStates()
	st := NewState("req-1")
	st.Register("c1", "", "Acme")
	st.Register("c2", "", "Rival")
	st.MarkEnded("c2")
	states.states["req-1"] = st

	stager := &fakeStager{}
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: priceMatchAnalysis}}}
	w := NewWorker(states, newFakeCalls(), stager, mock, testConfig(), nil)

	err := w.HandleEvent(context.Background(), priceEvent("c1", "Acme", "A100", 42))
	require.NoError(t, err)
	assert.Empty(t, stager.staged)
}

// TestHandleEvent_StagingFaultIsolation verifies one directive failing to
// stage does not prevent staging the others.
func TestHandleEvent_StagingFaultIsolation(t *testing.T) {
	states := newFakeStates()
	st := NewState("req-1")
	st.Register("c1", "", "Acme")
	st.Register("c2", "", "Rival")
	st.Register("c3", "", "Third")
	states.states["req-1"] = st

	analysis := `{"directives": [
		{"target_call_id": "c2", "type": "push_harder", "reason": "deadline"},
		{"target_call_id": "c3", "type": "inform_competitor_price", "target_price": 42, "competitor": "Acme"}
	]}`
	stager := &fakeStager{failTarget: "c2"}
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: analysis}}}
	w := NewWorker(states, newFakeCalls(), stager, mock, testConfig(), nil)

	err := w.HandleEvent(context.Background(), priceEvent("c1", "Acme", "A100", 42))
	require.NoError(t, err)

	require.Len(t, stager.staged, 1)
	assert.Equal(t, "c3", stager.staged[0].TargetCallID)
}

// TestHandleEvent_FirstEventOutracesCalls covers the request-start race:
// no Commander state and no discoverable call states. The worker retries
// once after the fixed delay and proceeds with an empty parts context.
func TestHandleEvent_FirstEventOutracesCalls(t *testing.T) {
	states := newFakeStates()
	calls := newFakeCalls()
	w := NewWorker(states, calls, &fakeStager{}, nil, testConfig(), nil)

	err := w.HandleEvent(context.Background(), startEvent("c1", "Acme"))
	require.NoError(t, err)

	assert.Equal(t, 2, calls.listCalls, "one lookup plus one retry")

	persisted := states.states["req-1"]
	require.NotNil(t, persisted)
	assert.True(t, persisted.IsActive("c1"))
	assert.Equal(t, "Acme", persisted.ActiveCalls["c1"].SupplierName)
	assert.Empty(t, persisted.PartsOutstanding)
}

// TestHandleEvent_ReconstructFromCalls verifies a missing Commander state is
// rebuilt from the request's stored call states.
func TestHandleEvent_ReconstructFromCalls(t *testing.T) {
	calls := newFakeCalls()
	c1 := negotiation.NewCallState("c1", "req-1", []negotiation.Part{
		{PartNumber: "A100", Quantity: 1},
		{PartNumber: "B200", Quantity: 2},
	})
	c1.SupplierID = "sup-1"
	c1.SupplierName = "Acme"
	calls.calls["c1"] = c1

	ended := negotiation.NewCallState("c0", "req-1", nil)
	ended.Status = negotiation.StatusCompleted
	calls.calls["c0"] = ended

	states := newFakeStates()
	w := NewWorker(states, calls, &fakeStager{}, nil, testConfig(), nil)

	err := w.HandleEvent(context.Background(), startEvent("c1", "Acme"))
	require.NoError(t, err)

	persisted := states.states["req-1"]
	require.NotNil(t, persisted)
	assert.True(t, persisted.IsActive("c1"))
	assert.False(t, persisted.IsActive("c0"), "terminal calls reconstruct as ended")
	assert.ElementsMatch(t, []string{"A100", "B200"}, persisted.PartsOutstanding)
	assert.Equal(t, 1, calls.listCalls, "no retry needed when calls exist")
}

// TestHandleEvent_AnalysisFailureKeepsDeterministicUpdate: the LLM analysis
// step throwing must not lose the event's deterministic state update.
func TestHandleEvent_AnalysisFailureKeepsDeterministicUpdate(t *testing.T) {
	states := newFakeStates()
	st := NewState("req-1")
	st.Register("c1", "", "Acme")
	states.states["req-1"] = st

	mock := &testutil.MockCompleter{Err: errors.New("llm exploded")}
	w := NewWorker(states, newFakeCalls(), &fakeStager{}, mock, testConfig(), nil)

	ev := overseer.Event{
		CallID:         "c1",
		QuoteRequestID: "req-1",
		EventType:      overseer.EventCallEnded,
		Timestamp:      time.Now(),
		Data:           map[string]any{"status": "completed"},
	}
	err := w.HandleEvent(context.Background(), ev)
	require.NoError(t, err, "analysis failure is non-fatal")

	persisted := states.states["req-1"]
	require.NotNil(t, persisted)
	assert.False(t, persisted.IsActive("c1"), "deterministic update must survive")
	assert.Equal(t, 1, states.putCount)
}

// TestHandleEvent_MalformedAnalysisDropped: unparseable analysis output is
// treated like any other analysis failure.
func TestHandleEvent_MalformedAnalysisDropped(t *testing.T) {
	states := newFakeStates()
	st := NewState("req-1")
	st.Register("c1", "", "Acme")
	st.Register("c2", "", "Rival")
	states.states["req-1"] = st

	stager := &fakeStager{}
	mock := &testutil.MockCompleter{Responses: []*llm.Response{{Content: "I think call two should push harder."}}}
	w := NewWorker(states, newFakeCalls(), stager, mock, testConfig(), nil)

	err := w.HandleEvent(context.Background(), priceEvent("c1", "Acme", "A100", 42))
	require.NoError(t, err)
	assert.Empty(t, stager.staged)
	assert.Equal(t, 1, states.putCount, "state persisted despite analysis failure")
}

// TestHandleEvent_NonDecisionWorthySkipsAnalysis verifies the LLM is not
// consulted for event types that only need the deterministic update.
func TestHandleEvent_NonDecisionWorthySkipsAnalysis(t *testing.T) {
	states := newFakeStates()
	st := NewState("req-1")
	st.Register("c1", "", "Acme")
	states.states["req-1"] = st

	mock := &testutil.MockCompleter{}
	w := NewWorker(states, newFakeCalls(), &fakeStager{}, mock, testConfig(), nil)

	ev := overseer.Event{
		CallID:         "c1",
		QuoteRequestID: "req-1",
		EventType:      overseer.EventCallStarted,
		Timestamp:      time.Now(),
	}
	require.NoError(t, w.HandleEvent(context.Background(), ev))
	assert.Zero(t, mock.CallCount())
}

func TestHandleEvent_MalformedEventDropped(t *testing.T) {
	states := newFakeStates()
	w := NewWorker(states, newFakeCalls(), &fakeStager{}, nil, testConfig(), nil)

	err := w.HandleEvent(context.Background(), overseer.Event{EventType: overseer.EventCallStarted})
	require.NoError(t, err, "malformed events are dropped, not redelivered")
	assert.Zero(t, states.putCount)
}

func TestHandleEvent_PersistFailureReturnsError(t *testing.T) {
	states := newFakeStates()
	states.putErr = errors.New("kv down")
	w := NewWorker(states, newFakeCalls(), &fakeStager{}, nil, testConfig(), nil)

	err := w.HandleEvent(context.Background(), startEvent("c1", "Acme"))
	assert.Error(t, err, "persist failures must surface for redelivery")
}

// TestHandleEvent_SupplierResolution checks the worker resolves the real
// supplier id from the call's own state when registering.
func TestHandleEvent_SupplierResolution(t *testing.T) {
	states := newFakeStates()
	states.states["req-1"] = NewState("req-1")

	calls := newFakeCalls()
	c1 := negotiation.NewCallState("c1", "req-1", nil)
	c1.SupplierID = "sup-42"
	c1.SupplierName = "Acme Industrial"
	calls.calls["c1"] = c1

	w := NewWorker(states, calls, &fakeStager{}, nil, testConfig(), nil)
	require.NoError(t, w.HandleEvent(context.Background(), startEvent("c1", "Acme")))

	call := states.states["req-1"].ActiveCalls["c1"]
	require.NotNil(t, call)
	assert.Equal(t, "sup-42", call.SupplierID)
	assert.Equal(t, "Acme Industrial", call.SupplierName)
}
