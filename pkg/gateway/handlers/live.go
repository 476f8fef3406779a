package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/core"
	"github.com/voicewire/voicewire/pkg/core/asr"
	"github.com/voicewire/voicewire/pkg/core/llm"
	"github.com/voicewire/voicewire/pkg/core/tts"
	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/identity"
	"github.com/voicewire/voicewire/pkg/gateway/live/session"
	"github.com/voicewire/voicewire/pkg/gateway/live/sessions"
	"github.com/voicewire/voicewire/pkg/gateway/mw"
	"github.com/voicewire/voicewire/pkg/gateway/skills"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

// LiveHandler upgrades /v1/live requests to websocket voice sessions. Nil
// ASR, TTS, LLM, or Archive leave the corresponding capability unconfigured;
// the session reports that in session_info rather than refusing to start.
type LiveHandler struct {
	Config config.Config
	Logger *slog.Logger
	// Draining reports whether the server has begun shutdown. Nil means never.
	Draining func() bool
	Sessions *sessions.Tracker

	ASR      *asr.Provider
	TTS      *tts.Provider
	LLM      llm.Client
	Skills   *skills.Registry
	Identity *identity.Store
	Archive  session.Archiver

	HTTPClient *http.Client
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Draining != nil && h.Draining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInternal, Message: "server is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s := session.New(session.Dependencies{
		Conn:       conn,
		Config:     h.Config,
		Logger:     h.Logger,
		ASR:        h.asrFactory(),
		TTS:        h.ttsFactory(),
		LLM:        h.LLM,
		Skills:     h.Skills,
		Identity:   h.Identity,
		Archive:    h.Archive,
		BuildTools: h.buildTools,
	})

	unregister := h.Sessions.Register(s.ID(), s.Cancel)
	defer unregister()

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error",
				"session_id", s.ID(), "request_id", reqID, "error", err)
		}
	}
}

// originAllowed admits non-browser clients (no Origin header) always and
// browser clients per the CORS allowlist. An empty allowlist disables the
// check entirely.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.CORSAllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) asrFactory() session.ASRStreamFactory {
	if h.ASR == nil {
		return nil
	}
	provider := h.ASR
	return func(ctx context.Context) (session.ASRStream, error) {
		return provider.NewStream(ctx)
	}
}

func (h LiveHandler) ttsFactory() session.TTSContextFactory {
	if h.TTS == nil {
		return nil
	}
	return h.TTS.NewStreamingContext
}

func (h LiveHandler) buildTools(state tools.SkillState) *tools.Registry {
	reg := tools.NewRegistry(h.Config.ToolTimeout, h.Logger)
	tools.RegisterBuiltins(reg, tools.Deps{
		Identity:       h.Identity,
		Skills:         h.Skills,
		SkillState:     state,
		WorkspaceDir:   h.Config.WorkspaceDir,
		SearchAPIKey:   h.Config.SearchAPIKey,
		SearchBaseURL:  h.Config.SearchBaseURL,
		HTTPClient:     h.HTTPClient,
		AllowShell:     h.Config.ToolsAllowShell,
		PythonExec:     h.Config.PythonExec,
		MemoryMaxChars: h.Config.MemoryMaxChars,
		Logger:         h.Logger,
	}, h.Config.ToolsEnabled)
	return reg
}
