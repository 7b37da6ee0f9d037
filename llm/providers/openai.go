package providers

import (
	"net/http"
	"os"

	"github.com/partsdial/commander/llm"
)

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// OpenAIProvider targets the hosted OpenAI API (or OpenRouter). It embeds
// OllamaProvider for the shared wire format; only the default URL and auth
// differ.
type OpenAIProvider struct {
	OllamaProvider
}

func (o *OpenAIProvider) Name() string { return "openai" }

func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com/v1")
}

func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	// OpenRouter attribution headers, when routing through it.
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
