// Package server assembles the HTTP surface: health endpoints plus the
// /v1/live websocket voice endpoint, with providers and stores constructed
// once per process.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/pkg/core/asr"
	"github.com/voicewire/voicewire/pkg/core/llm"
	"github.com/voicewire/voicewire/pkg/core/tts"
	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/handlers"
	"github.com/voicewire/voicewire/pkg/gateway/identity"
	"github.com/voicewire/voicewire/pkg/gateway/live/session"
	"github.com/voicewire/voicewire/pkg/gateway/live/sessions"
	"github.com/voicewire/voicewire/pkg/gateway/mw"
	"github.com/voicewire/voicewire/pkg/gateway/skills"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	draining atomic.Bool
	sessions *sessions.Tracker

	asrProvider *asr.Provider
	ttsProvider *tts.Provider
	llmClient   llm.Client
	skillsReg   *skills.Registry
	identity    *identity.Store
	archive     session.Archiver

	httpClient *http.Client
}

// New wires providers from cfg. Missing upstream credentials leave the
// matching provider nil rather than failing startup; only a broken identity
// directory is fatal.
func New(cfg config.Config, logger *slog.Logger, archiver session.Archiver) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	identityStore, err := identity.NewStore(cfg.IdentityDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		sessions:   sessions.NewTracker(),
		skillsReg:  skills.Discover(cfg.SkillsDirs, logger),
		identity:   identityStore,
		archive:    archiver,
		httpClient: httpClient,
	}

	if cfg.ASRConfigured() {
		provider, err := asr.NewProvider(asr.Config{
			APIKey:        cfg.ASRAPIKey,
			WSURL:         cfg.ASRWSURL,
			Model:         cfg.ASRModel,
			LanguageHints: cfg.ASRLanguageHints,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		s.asrProvider = provider
	}

	if cfg.TTSConfigured() {
		provider, err := tts.NewProvider(tts.Config{
			APIKey: cfg.TTSAPIKey,
			WSURL:  cfg.TTSWSURL,
			Model:  cfg.TTSModel,
			Voice:  cfg.TTSVoice,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		s.ttsProvider = provider
	}

	if cfg.LLMConfigured() {
		client, err := newLLMClient(cfg, httpClient)
		if err != nil {
			return nil, err
		}
		s.llmClient = client
	}

	s.routes()
	return s, nil
}

func newLLMClient(cfg config.Config, httpClient *http.Client) (llm.Client, error) {
	switch cfg.LLMProvider {
	case config.LLMProviderGemini:
		return llm.NewGeminiClient(llm.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.LLMModel,
			HTTPClient: httpClient,
		})
	default:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:    cfg.LLMBaseURL,
			APIKey:     cfg.LLMAPIKey,
			Model:      cfg.LLMModel,
			HTTPClient: httpClient,
		})
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Draining: s.draining.Load})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:     s.cfg,
		Logger:     s.logger,
		Draining:   s.draining.Load,
		Sessions:   s.sessions,
		ASR:        s.asrProvider,
		TTS:        s.ttsProvider,
		LLM:        s.llmClient,
		Skills:     s.skillsReg,
		Identity:   s.identity,
		Archive:    s.archive,
		HTTPClient: s.httpClient,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain flips readiness, cancels live sessions, and waits for their
// handlers to finish or ctx to expire.
func (s *Server) Drain(ctx context.Context) {
	s.draining.Store(true)
	if n := s.sessions.CancelAll(); n > 0 {
		s.logger.Info("canceled live sessions for shutdown", "count", n)
	}
	if !s.sessions.Wait(ctx) {
		s.logger.Warn("live sessions did not drain before deadline",
			"remaining", s.sessions.Count())
	}
}
