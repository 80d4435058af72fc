package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrToolNotFound indicates a dispatch against an unregistered tool name.
var ErrToolNotFound = fmt.Errorf("tool not found")

// Registry is a name-keyed catalogue of tools. Registration is expected at
// call setup; dispatch is read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A later registration with the same name silently
// replaces the earlier one.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes the named tool with args. Execute-time failures propagate
// to the caller; only an unknown name yields ErrToolNotFound.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) (Envelope, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Execute(ctx, args)
}

// Describe renders every registered tool into a prompt-insertable block.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		tool := r.tools[name]
		params, _ := json.Marshal(tool.Parameters())
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", tool.Name(), tool.Description(), params)
	}
	return b.String()
}
