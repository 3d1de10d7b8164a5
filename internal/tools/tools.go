// Package tools provides the in-process tool registry the agent
// runtime calls back into during a turn.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// SendMessageTool is the one tool allowed to push proactive messages
// to the chat destination mid-turn. It is handled specially by the
// runtime adapter (written to the per-turn push channel), not through
// a registry handler.
const SendMessageTool = "send_message"

// Handler executes a tool call and returns its text result.
type Handler func(input map[string]interface{}) (string, error)

// Tool is one registered in-process tool.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Registry maps tool names to handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Call executes a registered tool.
func (r *Registry) Call(name string, input map[string]interface{}) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Handler(input)
}

// Names returns the registered tool names, sorted.
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

// JSONResult marshals v for a tool's text result.
func JSONResult(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(data), nil
}
