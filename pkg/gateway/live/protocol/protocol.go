// Package protocol defines the JSON messages exchanged with voice clients.
// Text frames carry these messages; binary frames carry raw PCM and are not
// interpreted here.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the session state surfaced to the client.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateExecuting State = "executing"
	StateSpeaking  State = "speaking"
)

// Client message types.
const (
	ClientStartSession    = "start_session"
	ClientStopSession     = "stop_session"
	ClientInterrupt       = "interrupt"
	ClientActivateSkill   = "activate_skill"
	ClientDeactivateSkill = "deactivate_skill"
)

// ClientMessage is any control message from the client.
type ClientMessage struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// DecodeClient parses and validates a client control frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("control message missing type")
	}
	switch msg.Type {
	case ClientStartSession, ClientStopSession, ClientInterrupt:
	case ClientActivateSkill, ClientDeactivateSkill:
		if strings.TrimSpace(msg.Name) == "" {
			return ClientMessage{}, fmt.Errorf("%s requires a name", msg.Type)
		}
	default:
		return ClientMessage{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	return msg, nil
}

// StateMessage announces a state transition.
type StateMessage struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

func NewStateMessage(state State) StateMessage {
	return StateMessage{Type: "state", State: state}
}

// SkillInfo is one skill entry in session_info and skill messages.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// SessionInfo is sent once after connect.
type SessionInfo struct {
	Type          string      `json:"type"`
	SessionID     string      `json:"session_id"`
	LLMProvider   string      `json:"llm_provider"`
	LLMModel      string      `json:"llm_model"`
	TTSModel      string      `json:"tts_model"`
	TTSVoice      string      `json:"tts_voice"`
	ASRConfigured bool        `json:"asr_configured"`
	LLMConfigured bool        `json:"llm_configured"`
	TTSConfigured bool        `json:"tts_configured"`
	Tools         []string    `json:"tools"`
	Skills        []SkillInfo `json:"skills"`
	Persona       string      `json:"persona,omitempty"`
}

// ConnectionStatus reports upstream service connectivity.
type ConnectionStatus struct {
	Type    string `json:"type"`
	Service string `json:"service"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func NewConnectionStatus(service, status, detail string) ConnectionStatus {
	return ConnectionStatus{Type: "connection_status", Service: service, Status: status, Detail: detail}
}

// ASRMessage carries a transcript update.
type ASRMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func NewASRMessage(text string, isFinal bool) ASRMessage {
	return ASRMessage{Type: "asr", Text: text, IsFinal: isFinal}
}

// Turn events.
const (
	TurnUserCommitted = "user_committed"
	TurnFinished      = "finished"
)

// TurnMessage marks turn lifecycle boundaries.
type TurnMessage struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	TurnID string `json:"turn_id"`
	Text   string `json:"text,omitempty"`
}

func NewTurnMessage(event, turnID, text string) TurnMessage {
	return TurnMessage{Type: "turn", Event: event, TurnID: turnID, Text: text}
}

// LLMMessage carries one assistant text delta, or the done marker.
type LLMMessage struct {
	Type       string `json:"type"`
	TurnID     string `json:"turn_id"`
	Text       string `json:"text"`
	Done       bool   `json:"done"`
	TokenIndex int    `json:"token_index,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms,omitempty"`
}

// Tool events.
const (
	ToolStart  = "start"
	ToolResult = "result"
)

// ToolMessage reports tool call progress.
type ToolMessage struct {
	Type       string         `json:"type"`
	Event      string         `json:"event"`
	TurnID     string         `json:"turn_id"`
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Content    string         `json:"content,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	ElapsedMS  int64          `json:"elapsed_ms,omitempty"`
}

// Skill events.
const (
	SkillActivated   = "activated"
	SkillDeactivated = "deactivated"
)

// SkillMessage reports a skill toggle.
type SkillMessage struct {
	Type   string      `json:"type"`
	Event  string      `json:"event"`
	Name   string      `json:"name"`
	Skills []SkillInfo `json:"skills"`
}

// SkillsList is the full skill inventory.
type SkillsList struct {
	Type   string      `json:"type"`
	Skills []SkillInfo `json:"skills"`
}

// MetricsMessage is the per-turn timing report.
type MetricsMessage struct {
	Type                string  `json:"type"`
	TurnID              string  `json:"turn_id"`
	ListeningDurationMS int64   `json:"listening_duration_ms"`
	ThinkingMS          int64   `json:"thinking_ms"`
	SpeakingMS          int64   `json:"speaking_ms"`
	LLMFirstTokenMS     int64   `json:"llm_first_token_ms"`
	TTSFirstAudioMS     int64   `json:"tts_first_audio_ms"`
	E2ELatencyMS        int64   `json:"e2e_latency_ms"`
	TTSAudioChunks      int     `json:"tts_audio_chunks"`
	TTSEstDurationMS    int64   `json:"tts_est_duration_ms"`
	LLMTokens           int     `json:"llm_tokens"`
	LLMTokPerSec        float64 `json:"llm_tok_per_sec"`
	ToolCalls           int     `json:"tool_calls"`
}

// ErrorMessage reports a failure, correlated to a turn when one is active.
type ErrorMessage struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id,omitempty"`
	Message string `json:"message"`
}

func NewErrorMessage(turnID, message string) ErrorMessage {
	return ErrorMessage{Type: "error", TurnID: turnID, Message: message}
}
