package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HeteroCat/microtouch/config"
)

func rssFeed(pub time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Tech Feed</title>
<item><title>AI model released</title><link>https://feed.example/a</link><description>a new AI model</description><pubDate>%s</pubDate></item>
<item><title>Kernel patch</title><link>https://feed.example/b</link><description>linux internals</description><pubDate>%s</pubDate></item>
</channel></rss>`, pub.Format(time.RFC1123Z), pub.Format(time.RFC1123Z))
}

func TestRSSSearchFiltersByKeyword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(time.Now()))
	}))
	defer srv.Close()

	tool := NewRSSSearchTool(config.RSSConfig{MaxItems: 20}, []FeedSource{{Name: "tech", URL: srv.URL}})
	env, err := tool.Execute(context.Background(), map[string]interface{}{
		"keywords": []string{"AI"}, "time_range": "7d",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(env.Items) != 1 {
		t.Fatalf("expected 1 matching item, got %+v", env.Items)
	}
	if env.Items[0].Source != "Tech Feed" {
		t.Fatalf("expected feed title as source, got %q", env.Items[0].Source)
	}
}

func TestRSSSearchDropsStaleEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(time.Now().Add(-90*24*time.Hour)))
	}))
	defer srv.Close()

	tool := NewRSSSearchTool(config.RSSConfig{}, []FeedSource{{Name: "tech", URL: srv.URL}})
	env, err := tool.Execute(context.Background(), map[string]interface{}{"time_range": "7d"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(env.Items) != 0 {
		t.Fatalf("expected stale entries filtered, got %+v", env.Items)
	}
	if env.Degraded {
		t.Fatalf("empty result is not a degraded result")
	}
}

func TestRSSSearchParsesAtom(t *testing.T) {
	atom := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<title>Atom Feed</title>
<entry><title>AI entry</title><link href="https://atom.example/x"/><summary>about AI</summary><updated>` +
		time.Now().Format(time.RFC3339) + `</updated></entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atom)
	}))
	defer srv.Close()

	tool := NewRSSSearchTool(config.RSSConfig{}, []FeedSource{{Name: "atom", URL: srv.URL}})
	env, err := tool.Execute(context.Background(), map[string]interface{}{"keywords": []string{"ai"}})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(env.Items) != 1 || env.Items[0].URL != "https://atom.example/x" {
		t.Fatalf("unexpected atom items: %+v", env.Items)
	}
}

func TestRSSSearchPrefersAlternateLink(t *testing.T) {
	atom := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
<title>Atom Feed</title>
<entry><title>AI entry</title>
<link rel="self" href="https://atom.example/feed.xml"/>
<link rel="alternate" href="https://atom.example/post"/>
<summary>about AI</summary><updated>` + time.Now().Format(time.RFC3339) + `</updated></entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atom)
	}))
	defer srv.Close()

	tool := NewRSSSearchTool(config.RSSConfig{}, []FeedSource{{Name: "atom", URL: srv.URL}})
	env, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if env.Degraded {
		t.Fatalf("feed with entries must parse, got degraded: %s", env.DegradedReason)
	}
	if len(env.Items) != 1 || env.Items[0].URL != "https://atom.example/post" {
		t.Fatalf("expected the alternate link, got %+v", env.Items)
	}
}

func TestRSSSearchDegradesWhenAllFeedsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tool := NewRSSSearchTool(config.RSSConfig{}, []FeedSource{{Name: "broken", URL: srv.URL}})
	env, err := tool.Execute(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("degraded path must not error: %v", err)
	}
	if !env.Degraded {
		t.Fatalf("expected degraded envelope when every feed fails")
	}
}
