package tools

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve"
)

// KnowledgeDocument is one entry in the private knowledge index.
type KnowledgeDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeSearchTool searches the caller's private knowledge base through a
// bleve full-text index.
type KnowledgeSearchTool struct {
	index bleve.Index
}

// NewKnowledgeSearchTool opens (or creates) the index at path. An empty path
// yields an in-memory index.
func NewKnowledgeSearchTool(path string) (*KnowledgeSearchTool, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating memory index: %w", err)
		}
		return &KnowledgeSearchTool{index: idx}, nil
	}

	idx, err := bleve.Open(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("opening index %s: %w", path, err)
		}
		idx, err = bleve.New(path, bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("creating index %s: %w", path, err)
		}
	}
	return &KnowledgeSearchTool{index: idx}, nil
}

// Add indexes a document.
func (t *KnowledgeSearchTool) Add(doc KnowledgeDocument) error {
	return t.index.Index(doc.ID, doc)
}

// Close releases the underlying index.
func (t *KnowledgeSearchTool) Close() error { return t.index.Close() }

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }

func (t *KnowledgeSearchTool) Description() string {
	return "Searches the user's private knowledge base for previously saved notes and documents."
}

func (t *KnowledgeSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{"type": "string", "description": "full-text query", "required": true},
		"limit": map[string]interface{}{"type": "integer", "description": "max documents (default 5)"},
	}
}

// Execute runs a full-text match query. Index failure degrades.
func (t *KnowledgeSearchTool) Execute(ctx context.Context, args map[string]interface{}) (Envelope, error) {
	query := argString(args, "query")
	if query == "" {
		return Envelope{}, fmt.Errorf("knowledge_search: query is required")
	}
	limit := argInt(args, "limit", 5)
	if limit <= 0 {
		limit = 5
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = limit
	req.Fields = []string{"title", "content"}

	res, err := t.index.SearchInContext(ctx, req)
	if err != nil {
		return Degraded("knowledge_search", err), nil
	}

	var items []Item
	for _, hit := range res.Hits {
		item := Item{ID: hit.ID, Source: "knowledge", Extra: map[string]interface{}{"score": hit.Score}}
		if title, ok := hit.Fields["title"].(string); ok {
			item.Title = title
		}
		if content, ok := hit.Fields["content"].(string); ok {
			if len(content) > 500 {
				content = content[:500]
			}
			item.Summary = content
		}
		items = append(items, item)
	}
	total := int(res.Total)
	return Envelope{Items: items, Total: total, HasMore: total > len(items)}, nil
}
