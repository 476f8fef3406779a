package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicewire/voicewire/pkg/core"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient speaks the generative language streaming API over SSE.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewGeminiClient validates cfg and returns a client.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, core.NewInvalidRequestErrorWithParam("gemini api key is required", "api_key")
	}
	if cfg.Model == "" {
		return nil, core.NewInvalidRequestErrorWithParam("llm model is required", "model")
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &GeminiClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: httpClient,
	}, nil
}

func (c *GeminiClient) Model() string        { return c.model }
func (c *GeminiClient) ProviderName() string { return "gemini" }

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *GeminiClient) buildRequest(req Request) geminiRequest {
	out := geminiRequest{}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		case RoleAssistant:
			content := geminiContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}
		case RoleTool:
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		}
	}

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []geminiTool{tool}
	}
	return out
}

// Stream opens a streaming completion.
func (c *GeminiClient) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("encode request: %v", err))
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderError("llm", fmt.Errorf("request: %w", err))
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp geminiErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
			return nil, core.NewProviderError("llm", fmt.Errorf("status %d: %s", resp.StatusCode, errResp.Error.Message))
		}
		return nil, core.NewProviderError("llm", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	return &geminiStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

type geminiStream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	pending      []StreamEvent
	callSeq      int
	finishReason string
	usage        *Usage
	done         bool
}

func (s *geminiStream) Close() error { return s.body.Close() }

func (s *geminiStream) Next() (StreamEvent, error) {
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
				s.queueFinal()
				continue
			}
			return StreamEvent{}, core.NewProviderError("llm", fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		s.ingest(chunk)
	}
}

func (s *geminiStream) ingest(chunk geminiStreamChunk) {
	if chunk.UsageMetadata != nil {
		s.usage = &Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}
	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				s.pending = append(s.pending, StreamEvent{Kind: KindText, Text: part.Text})
			}
			if part.FunctionCall != nil {
				// Function call arguments arrive whole, not as deltas.
				s.callSeq++
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				raw, _ := json.Marshal(args)
				s.pending = append(s.pending, StreamEvent{
					Kind: KindToolCall,
					ToolCall: &ToolCall{
						ID:           fmt.Sprintf("call_%d", s.callSeq),
						Name:         part.FunctionCall.Name,
						Arguments:    args,
						RawArguments: string(raw),
					},
				})
			}
		}
		if cand.FinishReason != "" {
			s.finishReason = normalizeGeminiFinish(cand.FinishReason)
		}
	}
}

func (s *geminiStream) queueFinal() {
	s.pending = append(s.pending, StreamEvent{
		Kind:         KindEnd,
		FinishReason: s.finishReason,
		Usage:        s.usage,
	})
	s.done = true
}

func normalizeGeminiFinish(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}
