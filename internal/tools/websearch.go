package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/HeteroCat/microtouch/config"
)

const (
	braveSearchURL  = "https://api.search.brave.com/res/v1/web/search"
	serperSearchURL = "https://google.serper.dev/search"
)

// WebSearchTool searches the public web through Brave or Serper.
type WebSearchTool struct {
	cfg  config.WebSearchConfig
	http *http.Client

	// overridable endpoints for tests
	braveURL  string
	serperURL string
}

// NewWebSearchTool creates a web search tool from configuration.
func NewWebSearchTool(cfg config.WebSearchConfig) *WebSearchTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebSearchTool{
		cfg:       cfg,
		http:      &http.Client{Timeout: timeout},
		braveURL:  braveSearchURL,
		serperURL: serperSearchURL,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Searches the public web for recent pages matching a query. Use for general information gathering."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{"type": "string", "description": "search query", "required": true},
		"limit": map[string]interface{}{"type": "integer", "description": "max results (default 10)"},
	}
}

// Execute runs the search. On upstream failure a degraded envelope is
// returned instead of an error.
func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (Envelope, error) {
	query := strings.TrimSpace(argString(args, "query"))
	if query == "" {
		return Envelope{}, fmt.Errorf("web_search: query is required")
	}
	limit := argInt(args, "limit", t.cfg.MaxResults)
	if limit <= 0 {
		limit = 10
	}

	var (
		items []Item
		err   error
	)
	switch t.cfg.Provider {
	case "serper":
		items, err = t.serper(ctx, query, limit)
	default:
		items, err = t.brave(ctx, query, limit)
	}
	if err != nil {
		return Degraded("web_search", err), nil
	}
	return Envelope{Items: items, Total: len(items), HasMore: len(items) >= limit}, nil
}

func (t *WebSearchTool) brave(ctx context.Context, query string, limit int) ([]Item, error) {
	// https://api.search.brave.com/app/documentation/web-search
	url := fmt.Sprintf("%s?q=%s&count=%d", t.braveURL, strings.ReplaceAll(query, " ", "+"), limit)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.cfg.BraveAPIKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned status %d", resp.StatusCode)
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Item
	for i, r := range raw.Web.Results {
		if i >= limit {
			break
		}
		out = append(out, Item{Title: r.Title, URL: r.URL, Summary: r.Snippet, Source: "web"})
	}
	return out, nil
}

func (t *WebSearchTool) serper(ctx context.Context, query string, limit int) ([]Item, error) {
	// https://serper.dev/ docs
	payload, _ := json.Marshal(map[string]any{"q": query, "num": limit})
	req, err := http.NewRequestWithContext(ctx, "POST", t.serperURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", t.cfg.SerperAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper returned status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []Item
	for i, r := range raw.Organic {
		if i >= limit {
			break
		}
		out = append(out, Item{Title: r.Title, URL: r.Link, Summary: r.Snippet, Source: "web"})
	}
	return out, nil
}
