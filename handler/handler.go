// Package handler defines task handlers, their execution context and
// the classified error taxonomy shared across the broker.
package handler

import (
	"context"
	"sort"
	"sync"

	"github.com/itskum47/taskforge/task"
)

// ProviderRequest is one upstream model call.
type ProviderRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ProviderResponse is the upstream reply content.
type ProviderResponse struct {
	Content    string
	StatusCode int
}

// ProviderGate serializes provider access. The dispatcher's gate runs
// the circuit breaker, the shared rate limit and outcome reporting
// around the raw call.
type ProviderGate interface {
	Call(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
}

// Context is handed to a handler for one attempt. The embedded context
// carries the soft execution deadline; handlers must stop when it fires.
type Context struct {
	context.Context
	Task     *task.Task
	WorkerID string
	Gate     ProviderGate
}

// CallProvider runs one gated provider call.
func (c *Context) CallProvider(req ProviderRequest) (*ProviderResponse, error) {
	if c.Gate == nil {
		return nil, NewInternal("no provider gate configured", nil)
	}
	return c.Gate.Call(c.Context, req)
}

// Handler processes one task attempt and returns the result payload.
type Handler interface {
	Handle(ctx *Context) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *Context) (string, error)

func (f HandlerFunc) Handle(ctx *Context) (string, error) {
	return f(ctx)
}

// DependencyChecker is implemented by handlers that need external tools
// or services. Checked at submission so broken tasks are rejected early.
type DependencyChecker interface {
	CheckDependencies() error
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CheckDependencies verifies a task type is registered and its handler
// dependencies are satisfied.
func (r *Registry) CheckDependencies(taskType string) error {
	h, ok := r.Get(taskType)
	if !ok {
		return NewPermanent("unsupported_type", "no handler registered for type "+taskType)
	}
	if dc, ok := h.(DependencyChecker); ok {
		return dc.CheckDependencies()
	}
	return nil
}

// RegisterBuiltins installs the stock handlers.
func RegisterBuiltins(r *Registry, summarizeModel string) {
	r.Register("echo", EchoHandler{})
	r.Register("summarize", SummarizeHandler{Model: summarizeModel})
	r.Register("pdf_extract", PDFExtractHandler{})
}
