// Package tools provides the name-keyed tool registry and the concrete
// search capabilities the acting stage may dispatch: web search, WeChat
// account search, subscription-feed search, and private-knowledge search.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Tool is a named, independently invocable capability.
type Tool interface {
	// Name returns the registry key for dispatch.
	Name() string

	// Description explains what the tool does, for the acting stage prompt.
	Description() string

	// Parameters describes the accepted argument bag as a JSON-schema-like map.
	Parameters() map[string]interface{}

	// Execute runs the tool. Implementations degrade to a flagged placeholder
	// envelope on upstream failure instead of returning an error; an error
	// return means the tool itself could not run at all.
	Execute(ctx context.Context, args map[string]interface{}) (Envelope, error)
}

// Envelope is the uniform result shape every tool returns.
type Envelope struct {
	Items   []Item `json:"items"`
	Total   int    `json:"total"`
	HasMore bool   `json:"hasMore"`

	// Degraded marks a fallback result produced after an upstream failure.
	// Items in a degraded envelope are placeholders, not real data.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degradedReason,omitempty"`
}

// Item is one tool-result record.
type Item struct {
	ID          string                 `json:"id,omitempty"`
	Title       string                 `json:"title"`
	URL         string                 `json:"url,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Author      string                 `json:"author,omitempty"`
	Summary     string                 `json:"summary,omitempty"`
	Content     string                 `json:"content,omitempty"`
	PublishedAt time.Time              `json:"published_at,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Degraded builds the placeholder envelope returned when an upstream call
// fails. The single synthetic item keeps downstream prompt assembly simple
// while the flag keeps the failure observable.
func Degraded(source string, err error) Envelope {
	reason := "upstream unavailable"
	if err != nil {
		reason = err.Error()
	}
	return Envelope{
		Items: []Item{{
			Title:   fmt.Sprintf("[%s unavailable] no live results", source),
			Source:  source,
			Summary: "Upstream call failed; this is a placeholder entry.",
		}},
		Total:          1,
		HasMore:        false,
		Degraded:       true,
		DegradedReason: reason,
	}
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func argStrings(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// parseTimeRange converts a window like "7d", "24h" or "30d" into a duration.
func parseTimeRange(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil && days > 0 {
			return time.Duration(days) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
