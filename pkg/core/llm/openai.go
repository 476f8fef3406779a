package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/voicewire/voicewire/pkg/core"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the chat completions streaming protocol. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// NewOpenAIClient validates cfg and returns a client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, core.NewInvalidRequestErrorWithParam("llm api key is required", "api_key")
	}
	if cfg.Model == "" {
		return nil, core.NewInvalidRequestErrorWithParam("llm model is required", "model")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: httpClient,
	}, nil
}

func (c *OpenAIClient) Model() string        { return c.model }
func (c *OpenAIClient) ProviderName() string { return "openai" }

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string    `json:"type"`
	Function oaToolDef `json:"function"`
}

type oaToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaRequest struct {
	Model         string      `json:"model"`
	Messages      []oaMessage `json:"messages"`
	Tools         []oaTool    `json:"tools,omitempty"`
	Stream        bool        `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type oaErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenAIClient) buildRequest(req Request) oaRequest {
	messages := make([]oaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, oaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			args := tc.RawArguments
			if args == "" && tc.Arguments != nil {
				if b, err := json.Marshal(tc.Arguments); err == nil {
					args = string(b)
				}
			}
			if args == "" {
				args = "{}"
			}
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		if m.Role == RoleTool {
			om.ToolCallID = m.ToolCallID
			om.Name = m.Name
		}
		messages = append(messages, om)
	}

	out := oaRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	}
	out.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, oaTool{
			Type: "function",
			Function: oaToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Stream opens a streaming completion.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderError("llm", fmt.Errorf("request: %w", err))
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp oaErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
			return nil, core.NewProviderError("llm", fmt.Errorf("status %d: %s", resp.StatusCode, errResp.Error.Message))
		}
		return nil, core.NewProviderError("llm", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	return &openaiStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		accums: make(map[int]*toolCallAccumulator),
	}, nil
}

// toolCallAccumulator assembles one tool call from argument deltas keyed by
// the provider's per-choice index.
type toolCallAccumulator struct {
	ID   string
	Name string
	Args strings.Builder
}

type openaiStream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	pending      []StreamEvent
	accums       map[int]*toolCallAccumulator
	finishReason string
	usage        *Usage
	done         bool
}

func (s *openaiStream) Close() error { return s.body.Close() }

// Next returns the next stream event, reading more SSE lines as needed.
func (s *openaiStream) Next() (StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return StreamEvent{}, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Stream ended without [DONE]; finalize with what we have.
				s.queueFinal()
				continue
			}
			return StreamEvent{}, core.NewProviderError("llm", fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			s.queueFinal()
			continue
		}

		var chunk oaStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		s.ingest(chunk)
	}
}

func (s *openaiStream) ingest(chunk oaStreamChunk) {
	if chunk.Usage != nil {
		s.usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, StreamEvent{Kind: KindText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := s.accums[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				s.accums[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}
	}
}

// queueFinal flushes accumulated tool calls in index order, then the end
// event, and marks the stream finished.
func (s *openaiStream) queueFinal() {
	indexes := make([]int, 0, len(s.accums))
	for idx := range s.accums {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := s.accums[idx]
		call := &ToolCall{
			ID:           acc.ID,
			Name:         acc.Name,
			RawArguments: acc.Args.String(),
		}
		raw := strings.TrimSpace(call.RawArguments)
		if raw == "" {
			call.Arguments = map[string]any{}
		} else if err := json.Unmarshal([]byte(raw), &call.Arguments); err != nil {
			call.Arguments = nil
			call.ArgumentsError = true
		}
		s.pending = append(s.pending, StreamEvent{Kind: KindToolCall, ToolCall: call})
	}
	s.accums = make(map[int]*toolCallAccumulator)

	s.pending = append(s.pending, StreamEvent{
		Kind:         KindEnd,
		FinishReason: s.finishReason,
		Usage:        s.usage,
	})
	s.done = true
}
