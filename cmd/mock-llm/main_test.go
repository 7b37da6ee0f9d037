package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-negotiator.json", `{"reply":"Can you do any better on that price?"}`)
	writeFixture(t, dir, "mock-extractor.json", `{"quotes":[]}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}

	// Each model should have exactly 1 fixture (the base)
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	// Numbered fixtures script a counter then an acceptance
	writeFixture(t, dir, "mock-negotiator.1.json", `{"reply":"That is above our budget, can you come down?"}`)
	writeFixture(t, dir, "mock-negotiator.2.json", `{"reply":"We can accept that, thank you."}`)
	// Base fallback
	writeFixture(t, dir, "mock-negotiator.json", `{"reply":"Thanks for your time today."}`)

	// Non-sequential model
	writeFixture(t, dir, "mock-extractor.json", `{"quotes":[{"price":45.50}]}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	// Negotiator should have 3 entries: .1, .2, base
	negotiatorSeq := fixtures["mock-negotiator"]
	if len(negotiatorSeq) != 3 {
		t.Fatalf("mock-negotiator: expected 3 fixtures, got %d", len(negotiatorSeq))
	}

	// Verify order: numbered first (sorted), then base
	if !strings.Contains(negotiatorSeq[0], "above our budget") {
		t.Errorf("fixture[0] should be the counter, got: %s", negotiatorSeq[0])
	}
	if !strings.Contains(negotiatorSeq[1], "accept") {
		t.Errorf("fixture[1] should be the acceptance, got: %s", negotiatorSeq[1])
	}
	if !strings.Contains(negotiatorSeq[2], "Thanks for your time") {
		t.Errorf("fixture[2] should be the base fallback, got: %s", negotiatorSeq[2])
	}

	// Extractor should have 1 entry
	extractorSeq := fixtures["mock-extractor"]
	if len(extractorSeq) != 1 {
		t.Fatalf("mock-extractor: expected 1 fixture, got %d", len(extractorSeq))
	}
}

func TestLoadFixtures_NumberedOnly(t *testing.T) {
	dir := t.TempDir()

	// Only numbered, no base file
	writeFixture(t, dir, "mock-negotiator.1.json", `{"reply":"first turn"}`)
	writeFixture(t, dir, "mock-negotiator.2.json", `{"reply":"second turn"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["mock-negotiator"]
	if len(seq) != 2 {
		t.Fatalf("expected 2 fixtures, got %d", len(seq))
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	_, err := loadFixtures(dir)
	if err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	fixtures := map[string][]string{
		"mock-negotiator": {
			`{"reply":"Could you sharpen that price for us?"}`,
			`{"reply":"Deal, we'll take it at that price."}`,
		},
		"mock-extractor": {
			`{"quotes":[{"price":120.00,"availability":"in_stock"}]}`,
		},
	}

	s := newServer(fixtures)

	// First call to mock-negotiator → counter
	resp1 := doCompletion(t, s, "mock-negotiator")
	if !strings.Contains(resp1, "sharpen that price") {
		t.Errorf("call 1: expected counter, got: %s", resp1)
	}

	// Second call to mock-negotiator → acceptance
	resp2 := doCompletion(t, s, "mock-negotiator")
	if !strings.Contains(resp2, "Deal") {
		t.Errorf("call 2: expected acceptance, got: %s", resp2)
	}

	// Third call (beyond sequence) → repeats last (acceptance)
	resp3 := doCompletion(t, s, "mock-negotiator")
	if !strings.Contains(resp3, "Deal") {
		t.Errorf("call 3: expected acceptance (repeat last), got: %s", resp3)
	}

	// Extractor calls are independent
	extractResp := doCompletion(t, s, "mock-extractor")
	if !strings.Contains(extractResp, "in_stock") {
		t.Errorf("extractor: expected quote fixture, got: %s", extractResp)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fixtures := map[string][]string{
		"mock-negotiator": {`{"reply":"ok"}`},
		"mock-extractor":  {`{"quotes":[]}`},
	}

	s := newServer(fixtures)

	// Make some calls
	doCompletion(t, s, "mock-negotiator")
	doCompletion(t, s, "mock-negotiator")
	doCompletion(t, s, "mock-extractor")

	// Query stats
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByModel map[string]int64 `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByModel["mock-negotiator"] != 2 {
		t.Errorf("mock-negotiator calls: expected 2, got %d", stats.CallsByModel["mock-negotiator"])
	}
	if stats.CallsByModel["mock-extractor"] != 1 {
		t.Errorf("mock-extractor calls: expected 1, got %d", stats.CallsByModel["mock-extractor"])
	}
}

func TestStripMockPrefix(t *testing.T) {
	fixtures := map[string][]string{
		"negotiator": {`{"reply":"hello"}`},
	}

	s := newServer(fixtures)

	// Request with "mock-" prefix should resolve to "negotiator"
	resp := doCompletion(t, s, "mock-negotiator")
	if !strings.Contains(resp, "hello") {
		t.Errorf("expected mock-prefix stripping to resolve, got: %s", resp)
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"mock-extractor.1.json", "mock-extractor", "1", true},
		{"mock-extractor.2.json", "mock-extractor", "2", true},
		{"mock-extractor.10.json", "mock-extractor", "10", true},
		{"mock-extractor.json", "", "", false},
		{"mock-fast.json", "", "", false},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.filename)
		if tt.match {
			if matches == nil {
				t.Errorf("%s: expected match, got nil", tt.filename)
				continue
			}
			if matches[1] != tt.wantBase {
				t.Errorf("%s: base=%q, want %q", tt.filename, matches[1], tt.wantBase)
			}
			if matches[2] != tt.wantNum {
				t.Errorf("%s: num=%q, want %q", tt.filename, matches[2], tt.wantNum)
			}
		} else {
			if matches != nil {
				t.Errorf("%s: expected no match, got %v", tt.filename, matches)
			}
		}
	}
}

func TestUnknownModelRejected(t *testing.T) {
	s := newServer(map[string][]string{
		"mock-negotiator": {`{"reply":"ok"}`},
	})

	body := strings.NewReader(`{"model":"mock-unknown","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown model, got %d", w.Code)
	}
}

func TestCapturedRequests(t *testing.T) {
	fixtures := map[string][]string{
		"mock-extractor": {`{"quotes":[]}`},
	}

	s := newServer(fixtures)

	body := strings.NewReader(`{
		"model": "mock-extractor",
		"messages": [{"role": "user", "content": "They said forty five fifty for the alternator."}]
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	// Captured request should be retrievable for prompt assertions
	reqReq := httptest.NewRequest(http.MethodGet, "/requests?model=mock-extractor", nil)
	reqW := httptest.NewRecorder()
	s.handleRequests(reqW, reqReq)

	var captured struct {
		RequestsByModel map[string][]capturedRequest `json:"requests_by_model"`
	}
	if err := json.NewDecoder(reqW.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	reqs := captured.RequestsByModel["mock-extractor"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 captured request, got %d", len(reqs))
	}
	if reqs[0].CallIndex != 1 {
		t.Errorf("call_index: expected 1, got %d", reqs[0].CallIndex)
	}
	if len(reqs[0].Messages) != 1 || !strings.Contains(reqs[0].Messages[0].Content, "alternator") {
		t.Errorf("captured messages missing prompt content: %+v", reqs[0].Messages)
	}
}

// --- helpers ---

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"test"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}

	return resp.Choices[0].Message.Content
}
