package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HeteroCat/microtouch/config"
)

// Message is one turn of a chat exchange with a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse carries the model reply plus token accounting for cost
// tracking.
type ChatResponse struct {
	Content          string
	PromptTokens     int64
	CompletionTokens int64
}

// LLMProvider is the single seam between the agent stages and a model
// backend.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message) (ChatResponse, error)
	ChatStream(ctx context.Context, messages []Message, onChunk func(string)) (ChatResponse, error)
	ModelID() string
}

// ErrNoProvider is returned when no configured credential has an API key.
var ErrNoProvider = errors.New("no usable llm provider configured")

// providerPriority is the fixed selection order. The first entry with
// a non-empty API key wins, regardless of configuration order.
var providerPriority = []string{"deepseek", "openai", "anthropic"}

// SelectProvider picks the credential to use. Pure function of its
// input so selection is testable without network or env.
func SelectProvider(creds []config.ProviderCredential) (config.ProviderCredential, error) {
	for _, id := range providerPriority {
		for _, c := range creds {
			if c.ID == id && c.APIKey != "" {
				return c, nil
			}
		}
	}
	return config.ProviderCredential{}, ErrNoProvider
}

// NewLLMProvider builds a client for the given credential. DeepSeek
// speaks the OpenAI wire protocol, so both share a client.
func NewLLMProvider(cred config.ProviderCredential) (LLMProvider, error) {
	switch cred.ID {
	case "openai", "deepseek":
		return newOpenAIClient(cred), nil
	case "anthropic":
		return newAnthropicClient(cred), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cred.ID)
	}
}

// modelPricing maps model to (input, output) USD per 1K tokens.
var modelPricing = map[string][2]float64{
	"deepseek-chat":      {0.00014, 0.00028},
	"deepseek-reasoner":  {0.00055, 0.00219},
	"gpt-4o":             {0.0025, 0.01},
	"gpt-4o-mini":        {0.00015, 0.0006},
	"claude-sonnet-4-20250514": {0.003, 0.015},
}

// CalculateCost estimates USD spend for one exchange. Unknown models
// cost zero rather than guessing.
func CalculateCost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p[0] + float64(completionTokens)/1000*p[1]
}

type openAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func newOpenAIClient(cred config.ProviderCredential) *openAIClient {
	base := cred.BaseURL
	if base == "" {
		if cred.ID == "deepseek" {
			base = "https://api.deepseek.com/v1"
		} else {
			base = "https://api.openai.com/v1"
		}
	}
	timeout := cred.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openAIClient{
		apiKey:  cred.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		model:   cred.Model,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *openAIClient) ModelID() string { return c.model }

type openAIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *openAIClient) Chat(ctx context.Context, messages []Message) (ChatResponse, error) {
	body, err := json.Marshal(openAIRequest{Model: c.model, Messages: messages})
	if err != nil {
		return ChatResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResponse{}, fmt.Errorf("chat request: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ChatResponse{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return ChatResponse{}, fmt.Errorf("chat request: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return ChatResponse{}, errors.New("chat response has no choices")
	}
	return ChatResponse{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func (c *openAIClient) ChatStream(ctx context.Context, messages []Message, onChunk func(string)) (ChatResponse, error) {
	body, err := json.Marshal(openAIRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return ChatResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat stream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return ChatResponse{}, fmt.Errorf("chat stream request: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			full.WriteString(chunk.Choices[0].Delta.Content)
			if onChunk != nil {
				onChunk(chunk.Choices[0].Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResponse{}, fmt.Errorf("reading stream: %w", err)
	}
	return ChatResponse{Content: full.String()}, nil
}

type anthropicClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func newAnthropicClient(cred config.ProviderCredential) *anthropicClient {
	base := cred.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	timeout := cred.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &anthropicClient{
		apiKey:  cred.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		model:   cred.Model,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *anthropicClient) ModelID() string { return c.model }

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) Chat(ctx context.Context, messages []Message) (ChatResponse, error) {
	// The messages API takes the system prompt out of band.
	var system string
	chat := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		chat = append(chat, m)
	}
	body, err := json.Marshal(anthropicRequest{Model: c.model, MaxTokens: 8192, System: system, Messages: chat})
	if err != nil {
		return ChatResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return ChatResponse{}, fmt.Errorf("chat request: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ChatResponse{}, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return ChatResponse{}, fmt.Errorf("chat request: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return ChatResponse{}, errors.New("chat response has no content")
	}
	return ChatResponse{
		Content:          parsed.Content[0].Text,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}, nil
}

func (c *anthropicClient) ChatStream(ctx context.Context, messages []Message, onChunk func(string)) (ChatResponse, error) {
	// Streaming falls back to a blocking call delivered as one chunk.
	resp, err := c.Chat(ctx, messages)
	if err != nil {
		return ChatResponse{}, err
	}
	if onChunk != nil {
		onChunk(resp.Content)
	}
	return resp, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
