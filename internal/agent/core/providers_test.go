package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/HeteroCat/microtouch/config"
)

func TestSelectProviderPriority(t *testing.T) {
	creds := []config.ProviderCredential{
		{ID: "anthropic", APIKey: "a-key"},
		{ID: "openai", APIKey: "o-key"},
		{ID: "deepseek", APIKey: "d-key"},
	}
	got, err := SelectProvider(creds)
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if got.ID != "deepseek" {
		t.Fatalf("expected deepseek to win regardless of order, got %s", got.ID)
	}
}

func TestSelectProviderSkipsEmptyKeys(t *testing.T) {
	creds := []config.ProviderCredential{
		{ID: "deepseek", APIKey: ""},
		{ID: "openai", APIKey: ""},
		{ID: "anthropic", APIKey: "a-key"},
	}
	got, err := SelectProvider(creds)
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if got.ID != "anthropic" {
		t.Fatalf("expected anthropic, got %s", got.ID)
	}
}

func TestSelectProviderNoneConfigured(t *testing.T) {
	_, err := SelectProvider([]config.ProviderCredential{{ID: "deepseek"}})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestOpenAIClientChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hello there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5}
		}`))
	}))
	defer srv.Close()

	client := newOpenAIClient(config.ProviderCredential{
		ID: "deepseek", APIKey: "test-key", BaseURL: srv.URL, Model: "deepseek-chat",
	})
	resp, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello there" || resp.PromptTokens != 12 || resp.CompletionTokens != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestOpenAIClientChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newOpenAIClient(config.ProviderCredential{ID: "openai", APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o"})
	_, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOpenAIClientChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := newOpenAIClient(config.ProviderCredential{ID: "openai", APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o"})
	var chunks []string
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(c string) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("unexpected streamed content %q", resp.Content)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
}

func TestAnthropicClientChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "a-key" {
			t.Errorf("unexpected api key header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"text": "claude says hi"}],
			"usage": {"input_tokens": 7, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	client := newAnthropicClient(config.ProviderCredential{ID: "anthropic", APIKey: "a-key", BaseURL: srv.URL, Model: "claude-sonnet-4-20250514"})
	resp, err := client.Chat(context.Background(), []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "claude says hi" || resp.PromptTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNewLLMProviderUnknown(t *testing.T) {
	if _, err := NewLLMProvider(config.ProviderCredential{ID: "mystery", APIKey: "k"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("人工智能", 30)
	for _, n := range []int{10, 11, 12, 13} {
		got := truncate(s, n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(s, %d) split a rune: %q", n, got)
		}
		if len(got) > n+len("...") {
			t.Fatalf("truncate(s, %d) too long: %d bytes", n, len(got))
		}
	}
	if got := truncate("short", 200); got != "short" {
		t.Fatalf("strings under the limit must pass through, got %q", got)
	}
}

func TestCalculateCost(t *testing.T) {
	cost := CalculateCost("deepseek-chat", 1000, 1000)
	if cost <= 0 {
		t.Fatalf("expected positive cost, got %f", cost)
	}
	if CalculateCost("unknown-model", 1000, 1000) != 0 {
		t.Fatalf("unknown model must cost zero")
	}
}
