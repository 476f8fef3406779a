// Package tools implements the tool registry the agent loop calls into,
// plus the builtin tool suite.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/voicewire/voicewire/pkg/core/llm"
)

// DefaultTimeout bounds a single tool invocation unless the registry is
// configured otherwise.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one tool invocation. A failed tool produces an
// IsError result, never an error from Invoke itself: the model sees the
// failure text and decides what to do next.
type Result struct {
	Content string
	IsError bool
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters []byte
	Handler    Handler
}

// Registry holds the tools available to a session.
type Registry struct {
	tools   map[string]Tool
	names   []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry returns an empty registry. A non-positive timeout falls back
// to DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   map[string]Tool{},
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool, replacing any previous registration of the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.names = append(r.names, t.Name)
		sort.Strings(r.names)
	}
	r.tools[t.Name] = t
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.names) }

// Describe renders the registry as tool definitions for the model.
func (r *Registry) Describe() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Invoke runs the named tool under the registry timeout. Unknown tools,
// handler errors, timeouts, and panics all come back as IsError results.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.tools[name]
	if !ok {
		return Result{Content: fmt.Sprintf("Error: unknown tool %q", name), IsError: true}
	}
	if args == nil {
		args = map[string]any{}
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	content, err := r.run(tctx, t, args)
	elapsed := time.Since(start)

	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("tool timed out", "tool", name, "timeout", r.timeout)
			return Result{Content: fmt.Sprintf("Error: tool %q timed out after %s", name, r.timeout), IsError: true}
		}
		r.logger.Warn("tool failed", "tool", name, "error", err, "duration_ms", elapsed.Milliseconds())
		return Result{Content: fmt.Sprintf("Error: %v", err), IsError: true}
	}

	r.logger.Debug("tool completed", "tool", name, "duration_ms", elapsed.Milliseconds())
	return Result{Content: content}
}

func (r *Registry) run(ctx context.Context, t Tool, args map[string]any) (content string, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("tool panicked: %v", v)
		}
	}()
	return t.Handler(ctx, args)
}
