package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first balanced JSON object out of free-form
// model output. Models wrap payloads in prose or markdown fences often
// enough that a plain Unmarshal of the raw text is hopeless.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if fenced := stripFence(text); fenced != "" {
		text = fenced
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

func stripFence(text string) string {
	idx := strings.Index(text, "```")
	if idx < 0 {
		return ""
	}
	rest := text[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return strings.TrimSpace(rest[:end])
	}
	return strings.TrimSpace(rest)
}

// DecodeStructured extracts and unmarshals a JSON object of type T
// from model output.
func DecodeStructured[T any](text string) (T, error) {
	var v T
	js := ExtractJSON(text)
	if js == "" {
		return v, fmt.Errorf("no JSON object found in model output")
	}
	if err := json.Unmarshal([]byte(js), &v); err != nil {
		return v, fmt.Errorf("decoding structured output: %w", err)
	}
	return v, nil
}

// ParseStructured is the lenient variant: on any parse failure it
// returns fallback(raw text) instead of an error, so a malformed model
// reply degrades rather than aborts the stage.
func ParseStructured[T any](text string, fallback func(raw string) T) T {
	v, err := DecodeStructured[T](text)
	if err != nil {
		return fallback(text)
	}
	return v
}
