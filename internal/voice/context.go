package voice

import (
	"sync"

	"github.com/relaywave/voicebridge/pkg/provider/llm"
	"github.com/relaywave/voicebridge/pkg/types"
)

// defaultMaxConversationTurns is used when [ConversationHistory] is created
// with a non-positive turn limit.
const defaultMaxConversationTurns = 50

// ConversationHistory is a guild session's rolling conversation log. Unlike
// [session.ContextManager] (token-budget eviction backed by LLM
// summarisation), ConversationHistory bounds itself purely by turn count:
// once MaxTurns entries have accumulated, the oldest are dropped. This keeps
// a voice session's memory footprint and latency predictable without an
// extra LLM round-trip on every few turns.
//
// ConversationHistory is safe for concurrent use.
type ConversationHistory struct {
	mu       sync.Mutex
	maxTurns int
	entries  []types.TranscriptEntry
}

// NewConversationHistory creates a ConversationHistory bounded to maxTurns
// entries. A non-positive maxTurns falls back to 50.
func NewConversationHistory(maxTurns int) *ConversationHistory {
	if maxTurns <= 0 {
		maxTurns = defaultMaxConversationTurns
	}
	return &ConversationHistory{maxTurns: maxTurns}
}

// Append records a turn (user utterance or agent reply) and evicts the
// oldest entry if the turn limit is exceeded.
func (h *ConversationHistory) Append(entry types.TranscriptEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if over := len(h.entries) - h.maxTurns; over > 0 {
		h.entries = h.entries[over:]
	}
}

// Messages converts the current history into [llm.Message] values suitable
// for [engine.PromptContext.Messages], in chronological order.
func (h *ConversationHistory) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.entries))
	for i, e := range h.entries {
		role := "user"
		if e.IsAgent {
			role = "assistant"
		}
		out[i] = llm.Message{Role: role, Content: e.Text, Name: e.SpeakerName}
	}
	return out
}

// Snapshot returns a copy of the raw transcript entries, in chronological
// order. Used by [Manager.Leave] to inject the full history into a
// speech-to-speech engine as a closing context update.
func (h *ConversationHistory) Snapshot() []types.TranscriptEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.TranscriptEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Reset clears all recorded turns.
func (h *ConversationHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
}
