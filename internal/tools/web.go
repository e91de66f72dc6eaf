package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewgate/crewgate/internal/secrets"
)

const (
	braveSearchURL   = "https://api.search.brave.com/res/v1/web/search"
	webFetchMaxChars = 50000
	webTimeout       = 30 * time.Second
)

// WebSearchTool queries the Brave Search API. The API key lives in the vault
// and is resolved per call; the tool declares its key ref so the agent loop's
// audit entry records the symbolic name, never the key.
type WebSearchTool struct {
	vault   *secrets.KeyVault
	keyName string
	client  *http.Client
}

func NewWebSearchTool(vault *secrets.KeyVault, keyName string) *WebSearchTool {
	if keyName == "" {
		keyName = "brave_key"
	}
	return &WebSearchTool{
		vault:   vault,
		keyName: keyName,
		client:  &http.Client{Timeout: webTimeout},
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return "Search the web and return top results" }
func (t *WebSearchTool) KeyRef() string      { return secrets.RefFor(t.keyName) }
func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of results (1-10, default 5)",
			},
		},
		"required": []string{"query"},
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	count := 5
	if c, ok := args["count"].(float64); ok && c >= 1 && c <= 10 {
		count = int(c)
	}

	key, err := t.vault.Resolve(t.keyName)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search key unavailable: %v", err))
	}

	u := fmt.Sprintf("%s?q=%s&count=%d", braveSearchURL, url.QueryEscape(query), count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ErrorResult(err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", key)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search request failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("search returned status %d", resp.StatusCode))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ErrorResult(fmt.Sprintf("decode search response: %v", err))
	}
	if len(parsed.Web.Results) == 0 {
		return SilentResult("No results found.")
	}

	var b strings.Builder
	for i, r := range parsed.Web.Results {
		if i >= count {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return SilentResult(b.String())
}

// WebFetchTool fetches a URL without authentication and returns its body,
// truncated.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: webTimeout}}
}

func (t *WebFetchTool) Name() string        { return "web_fetch" }
func (t *WebFetchTool) Description() string { return "Fetch the contents of a URL" }
func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http or https)",
			},
			"max_chars": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum characters to return (default 50000)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult("url must be http or https")
	}

	maxChars := webFetchMaxChars
	if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
		maxChars = int(mc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(err.Error())
	}
	req.Header.Set("User-Agent", "crewgate/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)+1))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err))
	}
	content := string(body)
	if len(content) > maxChars {
		content = content[:maxChars] + "\n\n[content truncated]"
	}
	return SilentResult(content)
}
