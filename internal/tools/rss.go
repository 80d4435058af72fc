package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HeteroCat/microtouch/config"
)

// FeedSource is one subscribed feed from the caller's source configs.
type FeedSource struct {
	Name string
	URL  string
}

// RSSSearchTool fetches the caller's subscribed RSS/Atom feeds and filters
// entries by keyword and time window.
type RSSSearchTool struct {
	cfg   config.RSSConfig
	feeds []FeedSource
	http  *http.Client
}

// NewRSSSearchTool creates the tool scoped to the caller's subscribed feeds.
func NewRSSSearchTool(cfg config.RSSConfig, feeds []FeedSource) *RSSSearchTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RSSSearchTool{cfg: cfg, feeds: feeds, http: &http.Client{Timeout: timeout}}
}

func (t *RSSSearchTool) Name() string { return "rss_search" }

func (t *RSSSearchTool) Description() string {
	return "Fetches the user's subscribed RSS feeds and returns recent entries matching the keywords."
}

func (t *RSSSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"keywords":   map[string]interface{}{"type": "array", "description": "keywords to match (empty matches all)"},
		"time_range": map[string]interface{}{"type": "string", "description": "recency window such as 7d or 24h"},
		"limit":      map[string]interface{}{"type": "integer", "description": "max entries (default 20)"},
	}
}

// rssDocument covers both RSS 2.0 and Atom shapes; unmatched fields stay zero.
type rssDocument struct {
	XMLName xml.Name
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Title   string    `xml:"title"` // atom feed title
	Entries []rssItem `xml:"entry"`
}

type rssItem struct {
	Title       string     `xml:"title"`
	Links       []feedLink `xml:"link"`
	Description string     `xml:"description"`
	Summary     string     `xml:"summary"` // atom
	Author      string     `xml:"author>name"`
	PubDate     string     `xml:"pubDate"`
	Updated     string     `xml:"updated"` // atom
}

// feedLink covers both dialects: RSS 2.0 puts the URL in the element
// text, Atom in the href attribute (with an optional rel).
type feedLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Value string `xml:",chardata"`
}

// itemLink picks the entry URL: element text first, then an alternate
// or unqualified href, then any href.
func itemLink(links []feedLink) string {
	var href string
	for _, l := range links {
		if v := strings.TrimSpace(l.Value); v != "" {
			return v
		}
		if l.Href == "" {
			continue
		}
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
		if href == "" {
			href = l.Href
		}
	}
	return href
}

// Execute fetches every subscribed feed. Per-feed failures are tolerated; a
// degraded envelope is returned only when no feed could be read at all.
func (t *RSSSearchTool) Execute(ctx context.Context, args map[string]interface{}) (Envelope, error) {
	if len(t.feeds) == 0 {
		return Envelope{}, fmt.Errorf("rss_search: no feeds configured")
	}
	keywords := argStrings(args, "keywords")
	if kw := strings.TrimSpace(argString(args, "query")); kw != "" && len(keywords) == 0 {
		keywords = strings.Fields(kw)
	}
	limit := argInt(args, "limit", t.cfg.MaxItems)
	if limit <= 0 {
		limit = 20
	}
	cutoff := time.Now().Add(-parseTimeRange(argString(args, "time_range"), 7*24*time.Hour))

	var (
		items   []Item
		fetched int
		lastErr error
	)
	for _, feed := range t.feeds {
		entries, err := t.fetch(ctx, feed)
		if err != nil {
			lastErr = err
			continue
		}
		fetched++
		for _, entry := range entries {
			if !entry.PublishedAt.IsZero() && entry.PublishedAt.Before(cutoff) {
				continue
			}
			if !matchesKeywords(entry, keywords) {
				continue
			}
			items = append(items, entry)
		}
	}
	if fetched == 0 {
		return Degraded("rss_search", lastErr), nil
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return Envelope{Items: items, Total: len(items), HasMore: hasMore}, nil
}

func (t *RSSSearchTool) fetch(ctx context.Context, feed FeedSource) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", feed.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned status %d", feed.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("feed %s parse failed: %w", feed.Name, err)
	}

	raw := doc.Channel.Items
	source := doc.Channel.Title
	if len(raw) == 0 {
		raw = doc.Entries
		source = doc.Title
	}
	if source == "" {
		source = feed.Name
	}

	var out []Item
	for _, r := range raw {
		link := itemLink(r.Links)
		summary := r.Description
		if summary == "" {
			summary = r.Summary
		}
		out = append(out, Item{
			Title:       strings.TrimSpace(r.Title),
			URL:         link,
			Summary:     strings.TrimSpace(summary),
			Author:      strings.TrimSpace(r.Author),
			Source:      source,
			PublishedAt: parseFeedTime(r.PubDate, r.Updated),
		})
	}
	return out, nil
}

func matchesKeywords(item Item, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(item.Title + " " + item.Summary)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func parseFeedTime(candidates ...string) time.Time {
	layouts := []string{time.RFC1123Z, time.RFC1123, time.RFC3339, time.RFC822Z, time.RFC822}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, c); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}
