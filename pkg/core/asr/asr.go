// Package asr streams microphone audio to a realtime speech recognition
// service over a websocket and surfaces partial transcripts, finalized text,
// and endpoint (end of utterance) events.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/voicewire/voicewire/pkg/core"
)

// endpointToken is emitted by the service as a standalone final token when it
// detects the end of an utterance. It never appears in transcript text.
const endpointToken = "<end>"

// EventKind distinguishes the transcript events a Stream produces.
type EventKind int

const (
	// KindPartial carries the full display text of the in-progress
	// utterance: all finalized text plus the current non-final tail.
	KindPartial EventKind = iota
	// KindFinal carries only newly finalized text. Concatenating every
	// final event between two endpoints reproduces the committed
	// utterance exactly.
	KindFinal
	// KindEndpoint marks the end of an utterance. Text holds the full
	// committed utterance, whitespace-trimmed.
	KindEndpoint
)

// Event is a single transcript update from the recognition service.
type Event struct {
	Kind EventKind
	Text string
}

// Config carries everything needed to open recognition streams.
type Config struct {
	APIKey        string
	WSURL         string
	Model         string
	LanguageHints []string
	Logger        *slog.Logger
}

// Provider opens realtime recognition streams.
type Provider struct {
	apiKey        string
	wsURL         string
	model         string
	languageHints []string
	logger        *slog.Logger
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, core.NewInvalidRequestErrorWithParam("asr api key is required", "api_key")
	}
	if cfg.WSURL == "" {
		return nil, core.NewInvalidRequestErrorWithParam("asr websocket url is required", "ws_url")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		apiKey:        cfg.APIKey,
		wsURL:         cfg.WSURL,
		model:         cfg.Model,
		languageHints: cfg.LanguageHints,
		logger:        logger,
	}, nil
}

// startRequest is the first message on a new recognition websocket.
type startRequest struct {
	APIKey                  string   `json:"api_key"`
	Model                   string   `json:"model"`
	LanguageHints           []string `json:"language_hints,omitempty"`
	EnableEndpointDetection bool     `json:"enable_endpoint_detection"`
	AudioFormat             string   `json:"audio_format"`
	SampleRate              int      `json:"sample_rate"`
	NumChannels             int      `json:"num_channels"`
}

type serverToken struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type serverMessage struct {
	Tokens       []serverToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

// Stream is one live recognition session. Events are delivered on Events()
// until the stream ends; Done() closes when the read loop exits. After a
// provider failure the stream goes half-open: SendAudio silently drops frames
// and no further events are produced.
type Stream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	closed   atomic.Bool
	halfOpen atomic.Bool
	writeMu  sync.Mutex

	errMu sync.Mutex
	err   error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStream dials the recognition service and starts the read loop. Each dial
// attempt honors proxy settings from the environment and, if the proxied dial
// fails, tries once more with the proxy disabled; failed attempts are retried
// up to twice with exponential backoff before giving up.
func (p *Provider) NewStream(ctx context.Context) (*Stream, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	start := startRequest{
		APIKey:                  p.apiKey,
		Model:                   p.model,
		LanguageHints:           p.languageHints,
		EnableEndpointDetection: true,
		AudioFormat:             "pcm_s16le",
		SampleRate:              16000,
		NumChannels:             1,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, core.NewProviderError("asr", fmt.Errorf("send start request: %w", err))
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:   conn,
		logger: p.logger,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		ctx:    sctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s, nil
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	dialOnce := func(proxied bool) (*websocket.Conn, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}
		if proxied {
			dialer.Proxy = http.ProxyFromEnvironment
		}
		conn, resp, err := dialer.DialContext(ctx, p.wsURL, nil)
		if err != nil {
			detail := err.Error()
			if resp != nil {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				resp.Body.Close()
				if len(body) > 0 {
					detail = fmt.Sprintf("%s: %s", detail, strings.TrimSpace(string(body)))
				}
			}
			return nil, fmt.Errorf("dial %s: %s", p.wsURL, detail)
		}
		return conn, nil
	}

	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var derr error
		conn, derr = dialOnce(true)
		if derr == nil {
			return nil
		}
		// A broken local proxy should not take the session down; try a
		// direct connection before backing off.
		conn, derr = dialOnce(false)
		if derr == nil {
			p.logger.Warn("asr dial fell back to direct connection")
			return nil
		}
		return retry.RetryableError(derr)
	})
	if err != nil {
		return nil, core.NewProviderError("asr", err)
	}
	return conn, nil
}

func (s *Stream) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	var finalBuf strings.Builder

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.fail(core.NewProviderError("asr", fmt.Errorf("read: %w", err)))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("asr unparseable message", "error", err)
			continue
		}
		if msg.ErrorCode != 0 || msg.ErrorMessage != "" {
			s.fail(core.NewProviderError("asr", fmt.Errorf("service error %d: %s", msg.ErrorCode, msg.ErrorMessage)))
			return
		}

		var newFinal strings.Builder
		var tail strings.Builder
		endpoint := false
		for _, tok := range msg.Tokens {
			if tok.Text == endpointToken {
				if tok.IsFinal {
					endpoint = true
				}
				continue
			}
			if tok.IsFinal {
				newFinal.WriteString(tok.Text)
			} else {
				tail.WriteString(tok.Text)
			}
		}

		if newFinal.Len() > 0 {
			finalBuf.WriteString(newFinal.String())
			s.emit(Event{Kind: KindFinal, Text: newFinal.String()})
		}
		if tail.Len() > 0 || newFinal.Len() > 0 {
			s.emit(Event{Kind: KindPartial, Text: finalBuf.String() + tail.String()})
		}
		if endpoint {
			committed := strings.TrimSpace(finalBuf.String())
			finalBuf.Reset()
			if committed != "" {
				s.emit(Event{Kind: KindEndpoint, Text: committed})
			}
		}

		if msg.Finished {
			return
		}
	}
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// fail records the error and flips the stream half-open. Subsequent
// SendAudio calls drop silently; the caller observes the failure via Err
// after Done closes.
func (s *Stream) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.halfOpen.Store(true)
	s.logger.Warn("asr stream failed", "error", err)
}

// Events returns the transcript event channel. It is closed when the stream
// ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Done closes when the read loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal error, if any, once Done has closed.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SendAudio forwards one frame of 16 kHz s16le mono PCM. Frames sent after
// close or after a failure are dropped without error.
func (s *Stream) SendAudio(frame []byte) error {
	if s.closed.Load() || s.halfOpen.Load() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.fail(core.NewProviderError("asr", fmt.Errorf("send audio: %w", err)))
		return nil
	}
	return nil
}

// Finalize tells the service no more audio is coming so it can flush any
// pending tokens and finish.
func (s *Stream) Finalize() error {
	if s.closed.Load() || s.halfOpen.Load() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte("")); err != nil {
		return core.NewProviderError("asr", fmt.Errorf("finalize: %w", err))
	}
	return nil
}

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.conn.Close()
}
