package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/gateway/live/protocol"
)

// newTurnID returns a short opaque turn identifier.
func newTurnID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Turn tracks one user utterance from endpoint to completion, accumulating
// the timestamps and counters that feed the per-turn metrics report.
type Turn struct {
	ID       string
	UserText string

	mu             sync.Mutex
	listeningStart time.Time
	endpointAt     time.Time
	firstTokenAt   time.Time
	lastTokenAt    time.Time
	speakingStart  time.Time
	speakingEnd    time.Time
	firstAudioAt   time.Time

	llmTokens     int
	toolCalls     int
	ttsChunks     int
	ttsAudioBytes int64

	assistantText strings.Builder
}

func newTurn(userText string, listeningStart time.Time) *Turn {
	return &Turn{
		ID:             newTurnID(),
		UserText:       userText,
		listeningStart: listeningStart,
		endpointAt:     time.Now(),
	}
}

// recordToken notes one LLM text delta and returns its index and elapsed
// milliseconds since the turn started, for the client's llm events.
func (t *Turn) recordToken(delta string) (index int, elapsedMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if t.firstTokenAt.IsZero() {
		t.firstTokenAt = now
	}
	t.lastTokenAt = now
	t.llmTokens++
	t.assistantText.WriteString(delta)
	return t.llmTokens - 1, now.Sub(t.endpointAt).Milliseconds()
}

func (t *Turn) recordToolCall() {
	t.mu.Lock()
	t.toolCalls++
	t.mu.Unlock()
}

func (t *Turn) recordAudioChunk(n int) {
	t.mu.Lock()
	now := time.Now()
	if t.firstAudioAt.IsZero() {
		t.firstAudioAt = now
		if t.speakingStart.IsZero() {
			t.speakingStart = now
		}
	}
	t.ttsChunks++
	t.ttsAudioBytes += int64(n)
	t.mu.Unlock()
}

func (t *Turn) markSpeakingDone() {
	t.mu.Lock()
	if t.speakingEnd.IsZero() {
		t.speakingEnd = time.Now()
	}
	t.mu.Unlock()
}

// AssistantText returns the accumulated assistant reply so far.
func (t *Turn) AssistantText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assistantText.String()
}

// Metrics renders the turn's counters into the client metrics message.
// Downlink PCM is 24 kHz s16le mono, so estimated playback duration follows
// from the byte count.
func (t *Turn) Metrics() protocol.MetricsMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := func(from, to time.Time) int64 {
		if from.IsZero() || to.IsZero() || to.Before(from) {
			return 0
		}
		return to.Sub(from).Milliseconds()
	}

	var tokPerSec float64
	if t.llmTokens > 1 {
		window := t.lastTokenAt.Sub(t.firstTokenAt).Seconds()
		if window > 0 {
			tokPerSec = float64(t.llmTokens) / window
		}
	}

	return protocol.MetricsMessage{
		Type:                "metrics",
		TurnID:              t.ID,
		ListeningDurationMS: ms(t.listeningStart, t.endpointAt),
		ThinkingMS:          ms(t.endpointAt, t.speakingStart),
		SpeakingMS:          ms(t.speakingStart, t.speakingEnd),
		LLMFirstTokenMS:     ms(t.endpointAt, t.firstTokenAt),
		TTSFirstAudioMS:     ms(t.endpointAt, t.firstAudioAt),
		E2ELatencyMS:        ms(t.endpointAt, t.firstAudioAt),
		TTSAudioChunks:      t.ttsChunks,
		TTSEstDurationMS:    t.ttsAudioBytes * 1000 / (24000 * 2),
		LLMTokens:           t.llmTokens,
		LLMTokPerSec:        tokPerSec,
		ToolCalls:           t.toolCalls,
	}
}
