package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/core"
)

// Config carries everything needed to open synthesis streams.
type Config struct {
	APIKey string
	WSURL  string
	Model  string
	Voice  string
	Logger *slog.Logger
}

// Provider opens realtime synthesis streams against a DashScope-style
// realtime endpoint. Audio comes back as base64 24 kHz s16le mono PCM.
type Provider struct {
	apiKey string
	wsURL  string
	model  string
	voice  string
	logger *slog.Logger
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, core.NewInvalidRequestErrorWithParam("tts api key is required", "api_key")
	}
	if cfg.WSURL == "" {
		return nil, core.NewInvalidRequestErrorWithParam("tts websocket url is required", "ws_url")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		apiKey: cfg.APIKey,
		wsURL:  cfg.WSURL,
		model:  cfg.Model,
		voice:  cfg.Voice,
		logger: logger,
	}, nil
}

type clientEvent struct {
	Type    string         `json:"type"`
	Session *sessionParams `json:"session,omitempty"`
	Text    string         `json:"text,omitempty"`
}

type sessionParams struct {
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
	SampleRate     int    `json:"sample_rate"`
	Mode           string `json:"mode"`
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewStreamingContext dials the synthesis service, configures the session,
// and returns a context streaming decoded PCM chunks.
func (p *Provider) NewStreamingContext(ctx context.Context) (*StreamingContext, error) {
	url := p.wsURL
	if p.model != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = fmt.Sprintf("%s%smodel=%s", url, sep, p.model)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		detail := err.Error()
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			if len(body) > 0 {
				detail = fmt.Sprintf("%s: %s", detail, strings.TrimSpace(string(body)))
			}
		}
		return nil, core.NewProviderError("tts", fmt.Errorf("dial %s: %s", p.wsURL, detail))
	}

	sc := NewStreamingContext()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	setup := clientEvent{
		Type: "session.update",
		Session: &sessionParams{
			Voice:          p.voice,
			ResponseFormat: "pcm",
			SampleRate:     24000,
			Mode:           "server_commit",
		},
	}
	if err := writeJSON(setup); err != nil {
		conn.Close()
		return nil, core.NewProviderError("tts", fmt.Errorf("configure session: %w", err))
	}

	sc.SendFunc = func(text string, isFinal bool) error {
		if text != "" {
			ev := clientEvent{Type: "input_text_buffer.append", Text: text}
			if err := writeJSON(ev); err != nil {
				return core.NewProviderError("tts", fmt.Errorf("send text: %w", err))
			}
		}
		if isFinal {
			if err := writeJSON(clientEvent{Type: "input_text_buffer.commit"}); err != nil {
				return core.NewProviderError("tts", fmt.Errorf("commit text: %w", err))
			}
			if err := writeJSON(clientEvent{Type: "session.finish"}); err != nil {
				return core.NewProviderError("tts", fmt.Errorf("finish session: %w", err))
			}
		}
		return nil
	}
	sc.CloseFunc = func() error {
		return conn.Close()
	}

	go func() {
		defer sc.FinishAudio()
		defer conn.Close()
		for {
			select {
			case <-sc.Done():
				return
			default:
			}

			var ev serverEvent
			if err := conn.ReadJSON(&ev); err != nil {
				select {
				case <-sc.Done():
					// Cancelled locally; the read error is expected.
				default:
					sc.SetError(core.NewProviderError("tts", fmt.Errorf("read: %w", err)))
				}
				return
			}

			switch ev.Type {
			case "response.audio.delta":
				pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
				if err != nil {
					p.logger.Warn("tts undecodable audio delta", "error", err)
					continue
				}
				if len(pcm) > 0 {
					sc.PushAudio(pcm)
				}
			case "session.finished", "response.done":
				if ev.Type == "session.finished" {
					return
				}
			case "error":
				msg := "synthesis error"
				if ev.Error != nil {
					msg = fmt.Sprintf("%s: %s", ev.Error.Code, ev.Error.Message)
				}
				sc.SetError(core.NewProviderError("tts", fmt.Errorf("%s", msg)))
				return
			}
		}
	}()

	return sc, nil
}
