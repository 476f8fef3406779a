package session

import (
	"sync"

	"github.com/voicewire/voicewire/pkg/core/llm"
)

// history is the session's append-only conversation log and the authoritative
// LLM context. Tool messages always follow the assistant message that issued
// their calls, in call-issuance order.
type history struct {
	mu   sync.Mutex
	msgs []llm.Message
}

func newHistory() *history {
	return &history{msgs: make([]llm.Message, 0, 16)}
}

func (h *history) append(msgs ...llm.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msgs...)
	h.mu.Unlock()
}

func (h *history) snapshot() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}
