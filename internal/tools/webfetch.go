package tools

import (
	"context"
	"fmt"

	"github.com/HeteroCat/microtouch/internal/fetch"
)

// WebFetchTool renders a single page and extracts its readable text.
// The ReAct loop uses it to expand a promising search hit into full
// content.
type WebFetchTool struct {
	fetcher *fetch.Fetcher
}

func NewWebFetchTool(fetcher *fetch.Fetcher) *WebFetchTool {
	return &WebFetchTool{fetcher: fetcher}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch one web page and extract its readable article text"
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"url": "page URL to fetch (required)",
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (Envelope, error) {
	url := argString(args, "url")
	if url == "" {
		return Envelope{}, fmt.Errorf("web_fetch requires a url")
	}
	res, err := t.fetcher.Fetch(ctx, url)
	if err != nil {
		return Degraded("web_fetch", err), nil
	}
	if res.Status >= 400 {
		return Degraded("web_fetch", fmt.Errorf("page returned status %d", res.Status)), nil
	}
	item := Item{
		ID:      res.HTMLHash,
		Title:   res.Title,
		URL:     res.URL,
		Source:  "web_fetch",
		Author:  res.Byline,
		Content: res.Text,
	}
	if len(res.Text) > 500 {
		item.Summary = res.Text[:500]
	} else {
		item.Summary = res.Text
	}
	return Envelope{Items: []Item{item}, Total: 1}, nil
}
