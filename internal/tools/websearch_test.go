package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HeteroCat/microtouch/config"
)

func TestWebSearchBraveParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "test-key" {
			t.Errorf("missing subscription token")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[
			{"title":"AI weekly","url":"https://example.com/a","description":"weekly digest"},
			{"title":"AI news","url":"https://example.com/b","description":"news roundup"}
		]}}`))
	}))
	defer srv.Close()

	tool := NewWebSearchTool(config.WebSearchConfig{Provider: "brave", BraveAPIKey: "test-key", MaxResults: 10})
	tool.braveURL = srv.URL

	env, err := tool.Execute(context.Background(), map[string]interface{}{"query": "AI"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if env.Degraded {
		t.Fatalf("unexpected degraded envelope: %s", env.DegradedReason)
	}
	if len(env.Items) != 2 || env.Total != 2 {
		t.Fatalf("expected 2 items, got %+v", env)
	}
	if env.Items[0].URL != "https://example.com/a" {
		t.Fatalf("unexpected first item: %+v", env.Items[0])
	}
}

func TestWebSearchSerperParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "serper-key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{"organic":[{"title":"Go release","link":"https://go.dev","snippet":"notes"}]}`))
	}))
	defer srv.Close()

	tool := NewWebSearchTool(config.WebSearchConfig{Provider: "serper", SerperAPIKey: "serper-key"})
	tool.serperURL = srv.URL

	env, err := tool.Execute(context.Background(), map[string]interface{}{"query": "golang", "limit": 5})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(env.Items) != 1 || env.Items[0].Title != "Go release" {
		t.Fatalf("unexpected items: %+v", env.Items)
	}
}

func TestWebSearchDegradesOnUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tool := NewWebSearchTool(config.WebSearchConfig{Provider: "brave"})
	tool.braveURL = srv.URL

	env, err := tool.Execute(context.Background(), map[string]interface{}{"query": "AI"})
	if err != nil {
		t.Fatalf("degraded path must not error: %v", err)
	}
	if !env.Degraded {
		t.Fatalf("expected degraded envelope")
	}
	if len(env.Items) != 1 {
		t.Fatalf("degraded envelope must stay well-formed, got %+v", env)
	}
}

func TestWebSearchRequiresQuery(t *testing.T) {
	tool := NewWebSearchTool(config.WebSearchConfig{})
	if _, err := tool.Execute(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatalf("expected error for missing query")
	}
}
