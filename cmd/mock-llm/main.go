// Package main implements a mock LLM server for e2e testing.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON fixture
// files, routing by the "model" field in the request. This eliminates the need
// for a real LLM during call-flow wiring tests, making them fast, deterministic,
// and offline-capable.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON named by model (e.g., "mock-negotiator.json" maps to
// model "mock-negotiator"). The file content is returned as the assistant message.
//
// Sequential fixtures: If numbered files exist (e.g., "mock-extractor.1.json",
// "mock-extractor.2.json"), the Nth call to that model returns the Nth fixture.
// After exhausting numbered fixtures, the base "mock-extractor.json" is used
// as a repeating fallback. This enables scripting multi-turn negotiations where
// each turn gets a different canned reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// --- OpenAI-compatible wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capturedRequest records an incoming request so tests can assert on the
// prompts the service actually sent.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-model call number
	Timestamp int64         `json:"timestamp"`
}

// server serves fixtures keyed by model name. All mutable state sits behind
// one mutex; a test harness doesn't need finer granularity.
type server struct {
	fixtures map[string][]string // model → ordered fixture contents

	mu       sync.Mutex
	calls    map[string]int // per-model call counts
	total    int64
	captured map[string][]capturedRequest
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures: fixtures,
		calls:    make(map[string]int),
		captured: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)
	for model, seq := range fixtures {
		log.Printf("  model: %s (%d fixture(s))", model, len(seq))
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	// Resolve fixtures by exact model name, then with the "mock-" prefix
	// stripped so configs can use either form.
	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if !ok {
		log.Printf("WARNING: no fixture for model=%q", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.total++
	callNum := s.total
	s.calls[req.Model]++
	callIndex := s.calls[req.Model] // 1-indexed
	s.captured[req.Model] = append(s.captured[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	// Past the end of the sequence, the last fixture repeats.
	content := seq[len(seq)-1]
	if callIndex <= len(seq) {
		content = seq[callIndex-1]
	}

	log.Printf("[call %d] model=%s call_index=%d/%d messages=%d",
		callNum, req.Model, callIndex, len(seq), len(req.Messages))

	writeJSON(w, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	})
}

// handleModels lists available mock models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []modelEntry
	for name := range s.fixtures {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats reports call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int64, len(s.calls))
	for model, n := range s.calls {
		byModel[model] = int64(n)
	}
	total := s.total
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

// handleRequests returns captured request bodies for prompt assertions.
// Optional query params: model (filter by model), call (filter by 1-indexed
// call number).
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter, hasCallFilter := 0, false
	if raw := r.URL.Query().Get("call"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			callFilter, hasCallFilter = n, true
		}
	}

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.captured {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		if !hasCallFilter {
			result[model] = reqs
			continue
		}
		for _, req := range reqs {
			if req.CallIndex == callFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_model": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// numberedFileRe matches sequence files like "mock-extractor.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads *.json files from dir into per-model sequences:
// numbered files first in numeric order, then the base model.json as the
// repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	base := make(map[string]string)
	numbered := make(map[string]map[int]string)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in %s", name)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			model := m[1]
			idx, _ := strconv.Atoi(m[2])
			if numbered[model] == nil {
				numbered[model] = make(map[int]string)
			}
			numbered[model][idx] = string(data)
			continue
		}
		base[strings.TrimSuffix(name, ".json")] = string(data)
	}

	fixtures := make(map[string][]string)
	models := make(map[string]bool)
	for m := range base {
		models[m] = true
	}
	for m := range numbered {
		models[m] = true
	}

	for model := range models {
		var seq []string
		if files, ok := numbered[model]; ok {
			indices := make([]int, 0, len(files))
			for idx := range files {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, files[idx])
			}
		}
		if content, ok := base[model]; ok {
			seq = append(seq, content)
		}
		fixtures[model] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
