// Package llm defines a provider-neutral streaming chat interface with tool
// calling, plus concrete clients for OpenAI-compatible chat completions and
// the Gemini generative language API.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model. Arguments holds the
// parsed argument object; when the raw argument text is not valid JSON,
// Arguments is nil, ArgumentsError is true, and RawArguments preserves the
// text for diagnostics.
type ToolCall struct {
	ID             string
	Name           string
	Arguments      map[string]any
	RawArguments   string
	ArgumentsError bool
}

// Message is one turn of conversation history.
type Message struct {
	Role      Role
	Content   string
	ToolCalls []ToolCall
	// ToolCallID links a RoleTool message back to the call it answers.
	ToolCallID string
	// Name is the tool name on RoleTool messages.
	Name string
	// IsError marks a RoleTool message whose content is a failure report.
	IsError bool
}

// ToolDef describes a callable tool to the model. Parameters is a JSON
// Schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one streaming chat completion request.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
}

// EventKind distinguishes streaming events.
type EventKind int

const (
	// KindText carries a text delta.
	KindText EventKind = iota
	// KindToolCall carries one complete tool call. Tool calls are emitted
	// only after their arguments have fully arrived.
	KindToolCall
	// KindEnd is the final event of a stream and carries the finish
	// reason and usage when the provider reports them.
	KindEnd
)

// Usage is the token accounting for one completed stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamEvent is one event from a chat completion stream.
type StreamEvent struct {
	Kind         EventKind
	Text         string
	ToolCall     *ToolCall
	FinishReason string
	Usage        *Usage
}

// Stream yields events until the completion ends. Next returns io.EOF after
// the KindEnd event has been consumed.
type Stream interface {
	Next() (StreamEvent, error)
	Close() error
}

// Client opens streaming chat completions.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Model() string
	ProviderName() string
}
