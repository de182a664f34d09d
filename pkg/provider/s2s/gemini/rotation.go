package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaywave/voicebridge/pkg/provider/llm"
	"github.com/relaywave/voicebridge/pkg/provider/s2s"
	"github.com/relaywave/voicebridge/pkg/types"
)

// rotationMargin is how long before the provider's documented session
// lifetime a RotatingSession opens its replacement. Gemini Live sessions are
// hard-capped at 15 minutes server-side; rotating a minute early leaves room
// for the handoff itself before the old session is torn down.
const rotationMargin = time.Minute

// recentHistoryTurns bounds how many of the most recent transcript entries
// are replayed into a freshly-opened session's setup frame, per spec.md
// §4.6.1's "last 10 turns verbatim".
const recentHistoryTurns = 10

// Compile-time assertion that RotatingSession satisfies s2s.SessionHandle.
var _ s2s.SessionHandle = (*RotatingSession)(nil)

// RotatingSession wraps a Gemini Live session and transparently opens a
// replacement before the provider's MaxSessionDurationMs elapses, carrying
// forward the live tool handler, tool set, and instructions. The last
// recentHistoryTurns transcript entries are folded into the replacement
// session's system instruction so the new setup frame carries full context
// atomically — there is no round-trip after Connect during which the new
// session is live but ignorant of the conversation so far. Callers observe
// stable Audio()/Transcripts() channels for the lifetime of the
// RotatingSession; the underlying WebSocket churns underneath them.
//
// Rotation only happens between turns: it is triggered lazily from SendAudio,
// never while the model is mid-response, so an in-progress reply is never
// cut off by a handoff.
type RotatingSession struct {
	provider *Provider
	cfg      s2s.SessionConfig

	mu       sync.Mutex
	current  s2s.SessionHandle
	deadline time.Time
	closed   bool

	recent []types.TranscriptEntry

	audioCh       chan []byte
	transcriptsCh chan types.TranscriptEntry
	done          chan struct{}

	toolHandler s2s.ToolCallHandler
}

// NewRotatingSession opens an initial Gemini Live session through provider
// and returns a handle that rotates it automatically before expiry.
func NewRotatingSession(ctx context.Context, provider *Provider, cfg s2s.SessionConfig) (*RotatingSession, error) {
	rs := &RotatingSession{
		provider:      provider,
		cfg:           cfg,
		audioCh:       make(chan []byte, 64),
		transcriptsCh: make(chan types.TranscriptEntry, 64),
		done:          make(chan struct{}),
	}
	if err := rs.open(ctx); err != nil {
		return nil, err
	}
	return rs, nil
}

// open establishes a fresh underlying session and starts relaying its
// channels. Callers must not hold rs.mu.
func (rs *RotatingSession) open(ctx context.Context) error {
	rs.mu.Lock()
	cfg := rs.cfg
	cfg.Instructions = withRecentHistory(cfg.Instructions, rs.recent)
	rs.mu.Unlock()

	sess, err := rs.provider.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("gemini: rotation: connect: %w", err)
	}
	if rs.toolHandler != nil {
		sess.OnToolCall(rs.toolHandler)
	}

	rs.mu.Lock()
	rs.current = sess
	rs.deadline = time.Now().Add(rs.rotationWindow())
	rs.mu.Unlock()

	go rs.relay(sess)
	return nil
}

// withRecentHistory appends recent to instructions as a verbatim transcript
// recap, so the setup frame built from the result carries full conversation
// context in the same round-trip as Connect.
func withRecentHistory(instructions string, recent []types.TranscriptEntry) string {
	if len(recent) == 0 {
		return instructions
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nRecent conversation history, most recent last:\n")
	for _, entry := range recent {
		speaker := entry.SpeakerName
		if entry.IsAgent {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, entry.Text)
	}
	return b.String()
}

// rotationWindow returns how long a session is used before rotation,
// derived from the provider's declared capabilities.
func (rs *RotatingSession) rotationWindow() time.Duration {
	maxMs := rs.provider.Capabilities().MaxSessionDurationMs
	if maxMs <= 0 {
		return 0
	}
	window := time.Duration(maxMs)*time.Millisecond - rotationMargin
	if window <= 0 {
		return time.Duration(maxMs) * time.Millisecond
	}
	return window
}

// relay forwards one underlying session's Audio and Transcripts onto the
// RotatingSession's stable channels, and records transcript entries so they
// can be replayed into the next session.
func (rs *RotatingSession) relay(sess s2s.SessionHandle) {
	audio := sess.Audio()
	transcripts := sess.Transcripts()
	for audio != nil || transcripts != nil {
		select {
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			select {
			case rs.audioCh <- chunk:
			case <-rs.done:
				return
			}
		case entry, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			rs.mu.Lock()
			rs.recent = appendBounded(rs.recent, entry, recentHistoryTurns)
			rs.mu.Unlock()
			select {
			case rs.transcriptsCh <- entry:
			case <-rs.done:
				return
			}
		case <-rs.done:
			return
		}
	}
}

func appendBounded(entries []types.TranscriptEntry, entry types.TranscriptEntry, max int) []types.TranscriptEntry {
	entries = append(entries, entry)
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	return entries
}

// maybeRotate swaps in a fresh underlying session if the current one is past
// its rotation deadline. Called before each SendAudio so rotation never
// interrupts generation already in flight.
func (rs *RotatingSession) maybeRotate(ctx context.Context) {
	rs.mu.Lock()
	needsRotation := rs.rotationWindow() > 0 && !rs.deadline.IsZero() && time.Now().After(rs.deadline)
	old := rs.current
	rs.mu.Unlock()
	if !needsRotation {
		return
	}

	if err := rs.open(ctx); err != nil {
		slog.Warn("gemini: rotation: failed to open replacement session, keeping current one", "err", err)
		return
	}
	_ = old.Close()
}

// SendAudio implements [s2s.SessionHandle]. Rotates the underlying session
// first if it is due.
func (rs *RotatingSession) SendAudio(chunk []byte) error {
	rs.maybeRotate(context.Background())
	rs.mu.Lock()
	sess := rs.current
	rs.mu.Unlock()
	return sess.SendAudio(chunk)
}

// Audio implements [s2s.SessionHandle] with a channel stable across rotations.
func (rs *RotatingSession) Audio() <-chan []byte { return rs.audioCh }

// Err implements [s2s.SessionHandle], reporting the current underlying
// session's error state.
func (rs *RotatingSession) Err() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.current.Err()
}

// Transcripts implements [s2s.SessionHandle] with a channel stable across
// rotations.
func (rs *RotatingSession) Transcripts() <-chan types.TranscriptEntry { return rs.transcriptsCh }

// OnToolCall implements [s2s.SessionHandle], applying handler to the current
// session and to every future session opened by rotation.
func (rs *RotatingSession) OnToolCall(handler s2s.ToolCallHandler) {
	rs.mu.Lock()
	rs.toolHandler = handler
	sess := rs.current
	rs.mu.Unlock()
	sess.OnToolCall(handler)
}

// SetTools implements [s2s.SessionHandle].
func (rs *RotatingSession) SetTools(tools []llm.ToolDefinition) error {
	rs.mu.Lock()
	rs.cfg.Tools = tools
	sess := rs.current
	rs.mu.Unlock()
	return sess.SetTools(tools)
}

// UpdateInstructions implements [s2s.SessionHandle]. The new instructions
// are also carried forward to whatever session rotation opens next.
func (rs *RotatingSession) UpdateInstructions(instructions string) error {
	rs.mu.Lock()
	rs.cfg.Instructions = instructions
	sess := rs.current
	rs.mu.Unlock()
	return sess.UpdateInstructions(instructions)
}

// InjectTextContext implements [s2s.SessionHandle].
func (rs *RotatingSession) InjectTextContext(items []s2s.ContextItem) error {
	rs.mu.Lock()
	sess := rs.current
	rs.mu.Unlock()
	return sess.InjectTextContext(items)
}

// Interrupt implements [s2s.SessionHandle].
func (rs *RotatingSession) Interrupt() error {
	rs.mu.Lock()
	sess := rs.current
	rs.mu.Unlock()
	return sess.Interrupt()
}

// Close implements [s2s.SessionHandle]. Safe to call more than once.
func (rs *RotatingSession) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	sess := rs.current
	rs.mu.Unlock()

	close(rs.done)
	err := sess.Close()
	return err
}
