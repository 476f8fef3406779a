package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type LLMProvider string

const (
	LLMProviderOpenAI LLMProvider = "openai"
	LLMProviderGemini LLMProvider = "gemini"
)

type Config struct {
	Addr string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// ASR upstream (Soniox-style realtime WS).
	ASRAPIKey        string
	ASRWSURL         string
	ASRModel         string
	ASRLanguageHints []string

	// LLM upstream.
	LLMProvider  LLMProvider
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	GeminiAPIKey string

	// TTS upstream (DashScope-style realtime WS).
	TTSAPIKey string
	TTSWSURL  string
	TTSModel  string
	TTSVoice  string

	// Identity artifacts and skills.
	IdentityDir    string
	SkillsDirs     []string
	MemoryMaxChars int

	// Tools.
	WorkspaceDir     string
	ToolsEnabled     []string // empty => all builtins
	ToolsAllowShell  bool
	PythonExec       bool
	ToolTimeout      time.Duration
	MaxToolRounds    int
	SearchAPIKey     string
	SearchBaseURL    string

	// Optional turn archive.
	DatabaseURL string

	// WebSocket channel.
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	MaxAudioFrameBytes int
	MaxJSONMessageBytes int64
	OutboundQueueSize  int

	// Auto barge-in heuristic.
	BargeInMinChars int
	BargeInCooldown time.Duration

	// Endpoint dedup window.
	EndpointDedupWindow time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEWIRE_ADDR", ":8080"),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ASRAPIKey:           envOr("VOICEWIRE_ASR_API_KEY", ""),
		ASRWSURL:            envOr("VOICEWIRE_ASR_WS_URL", "wss://stt-rt.soniox.com/transcribe-websocket"),
		ASRModel:            envOr("VOICEWIRE_ASR_MODEL", "stt-rt-v4"),
		ASRLanguageHints:    splitCSV(envOr("VOICEWIRE_ASR_LANGUAGE_HINTS", "en")),
		LLMProvider:         LLMProvider(envOr("VOICEWIRE_LLM_PROVIDER", string(LLMProviderOpenAI))),
		LLMBaseURL:          envOr("VOICEWIRE_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:           envOr("VOICEWIRE_LLM_API_KEY", ""),
		LLMModel:            envOr("VOICEWIRE_LLM_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:        envOr("VOICEWIRE_GEMINI_API_KEY", ""),
		TTSAPIKey:           envOr("VOICEWIRE_TTS_API_KEY", ""),
		TTSWSURL:            envOr("VOICEWIRE_TTS_WS_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/inference"),
		TTSModel:            envOr("VOICEWIRE_TTS_MODEL", "qwen-tts-realtime"),
		TTSVoice:            envOr("VOICEWIRE_TTS_VOICE", "Cherry"),
		IdentityDir:         envOr("VOICEWIRE_IDENTITY_DIR", "identity"),
		SkillsDirs:          splitCSV(envOr("VOICEWIRE_SKILLS_DIRS", "skills")),
		MemoryMaxChars:      envIntOr("VOICEWIRE_MEMORY_MAX_CHARS", 4000),
		WorkspaceDir:        envOr("VOICEWIRE_WORKSPACE_DIR", "."),
		ToolsEnabled:        splitCSV(os.Getenv("VOICEWIRE_TOOLS_ENABLED")),
		ToolsAllowShell:     envBoolOr("VOICEWIRE_TOOLS_ALLOW_SHELL", false),
		PythonExec:          envBoolOr("VOICEWIRE_PYTHON_EXEC_ENABLED", false),
		ToolTimeout:         envDurationOr("VOICEWIRE_TOOL_TIMEOUT", 30*time.Second),
		MaxToolRounds:       envIntOr("VOICEWIRE_MAX_TOOL_ROUNDS", 5),
		SearchAPIKey:        envOr("VOICEWIRE_SEARCH_API_KEY", ""),
		SearchBaseURL:       envOr("VOICEWIRE_SEARCH_BASE_URL", "https://api.tavily.com"),
		DatabaseURL:         envOr("VOICEWIRE_DATABASE_URL", ""),
		WSPingInterval:      envDurationOr("VOICEWIRE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("VOICEWIRE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:       envDurationOr("VOICEWIRE_WS_READ_TIMEOUT", 0),
		MaxAudioFrameBytes:  envIntOr("VOICEWIRE_MAX_AUDIO_FRAME_BYTES", 32*1024),
		MaxJSONMessageBytes: envInt64Or("VOICEWIRE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		OutboundQueueSize:   envIntOr("VOICEWIRE_OUTBOUND_QUEUE_SIZE", 256),
		BargeInMinChars:     envIntOr("VOICEWIRE_BARGE_IN_MIN_CHARS", 3),
		BargeInCooldown:     envDurationOr("VOICEWIRE_BARGE_IN_COOLDOWN", 1500*time.Millisecond),
		EndpointDedupWindow: envDurationOr("VOICEWIRE_ENDPOINT_DEDUP_WINDOW", 2500*time.Millisecond),
		ReadHeaderTimeout:   envDurationOr("VOICEWIRE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEWIRE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEWIRE_CORS_ALLOWED_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LLMProvider {
	case LLMProviderOpenAI, LLMProviderGemini:
	default:
		return Config{}, fmt.Errorf("VOICEWIRE_LLM_PROVIDER must be one of openai|gemini")
	}

	if strings.TrimSpace(cfg.ASRWSURL) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_ASR_WS_URL must not be empty")
	}
	if strings.TrimSpace(cfg.ASRModel) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_ASR_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.TTSWSURL) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_TTS_WS_URL must not be empty")
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_TTS_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.TTSVoice) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_TTS_VOICE must not be empty")
	}
	if strings.TrimSpace(cfg.LLMModel) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_LLM_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.IdentityDir) == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_IDENTITY_DIR must not be empty")
	}
	if cfg.MemoryMaxChars <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MEMORY_MAX_CHARS must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_TOOL_ROUNDS must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.BargeInMinChars <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_BARGE_IN_MIN_CHARS must be > 0")
	}
	if cfg.BargeInCooldown <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_BARGE_IN_COOLDOWN must be > 0")
	}
	if cfg.EndpointDedupWindow < 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_ENDPOINT_DEDUP_WINDOW must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// ASRConfigured reports whether the ASR upstream has credentials.
func (c Config) ASRConfigured() bool {
	return strings.TrimSpace(c.ASRAPIKey) != ""
}

// LLMConfigured reports whether the selected LLM provider has credentials.
func (c Config) LLMConfigured() bool {
	switch c.LLMProvider {
	case LLMProviderGemini:
		return strings.TrimSpace(c.GeminiAPIKey) != ""
	default:
		return strings.TrimSpace(c.LLMAPIKey) != ""
	}
}

// TTSConfigured reports whether the TTS upstream has credentials.
func (c Config) TTSConfigured() bool {
	return strings.TrimSpace(c.TTSAPIKey) != ""
}

// ArchiveConfigured reports whether the turn archive database is configured.
func (c Config) ArchiveConfigured() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
