package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Provider adapts one vendor API to the client. Implementations register
// themselves in an init func; the client looks them up by name at request
// time, so importing a provider package is all it takes to enable it.
type Provider interface {
	// Name is the identifier used in endpoint config ("anthropic", "ollama").
	Name() string

	// BuildURL resolves the full API endpoint from a configured base URL.
	BuildURL(baseURL string) string

	// SetHeaders adds vendor auth and version headers.
	SetHeaders(req *http.Request)

	// BuildRequestBody renders the JSON request body. temperature nil means
	// the vendor default; a pointer to an explicit value pins it.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse decodes the vendor response into the common shape.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerMu       sync.RWMutex
	providerRegistry = map[string]Provider{}
)

// RegisterProvider adds a provider under its Name. Later registrations with
// the same name win.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	providerRegistry[p.Name()] = p
	providerMu.Unlock()
}

// GetProvider looks up a provider by name, nil if unknown.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns the registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
