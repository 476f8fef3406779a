package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicewire/voicewire/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the process can serve voice sessions and
// which upstreams have credentials.
type ReadyHandler struct {
	Config config.Config
	// Draining reports whether the server has begun shutdown. Nil means never.
	Draining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool     `json:"ok"`
		Draining          bool     `json:"draining"`
		ASRConfigured     bool     `json:"asr_configured"`
		LLMConfigured     bool     `json:"llm_configured"`
		TTSConfigured     bool     `json:"tts_configured"`
		ArchiveConfigured bool     `json:"archive_configured"`
		Issues            []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if !h.Config.ASRConfigured() {
		issues = append(issues, "asr api key not configured")
	}
	if !h.Config.LLMConfigured() {
		issues = append(issues, "llm api key not configured")
	}
	if !h.Config.TTSConfigured() {
		issues = append(issues, "tts api key not configured")
	}

	draining := h.Draining != nil && h.Draining()
	ok := !draining && len(issues) == 0
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                ok,
		Draining:          draining,
		ASRConfigured:     h.Config.ASRConfigured(),
		LLMConfigured:     h.Config.LLMConfigured(),
		TTSConfigured:     h.Config.TTSConfigured(),
		ArchiveConfigured: h.Config.ArchiveConfigured(),
		Issues:            issues,
	})
}
