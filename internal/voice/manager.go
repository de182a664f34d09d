package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaywave/voicebridge/internal/config"
	"github.com/relaywave/voicebridge/internal/engine"
	"github.com/relaywave/voicebridge/internal/engine/s2s"
	"github.com/relaywave/voicebridge/internal/mcp"
	"github.com/relaywave/voicebridge/internal/observe"
	"github.com/relaywave/voicebridge/pkg/audio"
	"github.com/relaywave/voicebridge/pkg/provider/tts"
	"github.com/relaywave/voicebridge/pkg/provider/vad"
)

// PlatformFactory constructs a guild-scoped [audio.Platform]. Discord voice
// connections are bound to a single guild at construction time, so the
// Manager cannot share one platform instance across guilds; it asks for a
// fresh one on every [Manager.Join].
type PlatformFactory func(guildID string) (audio.Platform, error)

// ManagerConfig holds the dependencies a [Manager] needs to build sessions.
type ManagerConfig struct {
	// Platforms constructs the per-guild audio platform.
	Platforms PlatformFactory

	// VAD is shared across all sessions; each session creates its own
	// per-participant sessions from it.
	VAD vad.Engine

	// Host is the MCP tool host. May be nil to disable tool calling.
	Host mcp.Host

	// EngineMode selects how sessions turn audio into a reply.
	EngineMode config.EngineMode

	// EngineProviders supplies the concrete providers engines are built from.
	EngineProviders EngineProviders

	// Behavior is the shared runtime behaviour configuration applied to every
	// session. VoiceBridge configures behaviour globally rather than
	// per-guild.
	Behavior config.BehaviorConfig

	// Voice is the TTS voice profile used for spoken replies.
	Voice tts.VoiceProfile
}

// Manager owns the set of live guild voice sessions, keyed by guild ID. Only
// one session may be active per guild at a time.
//
// Manager is safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager ready to accept [Manager.Join] calls.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Join connects to channelID in guildID and starts a new [Session]. The
// guild slot is reserved before any connection or engine work begins, so a
// concurrent Join for the same guild fails fast rather than racing to create
// two sessions.
//
// Returns an error if a session is already active for guildID, or if
// connecting or building the engine fails.
func (m *Manager) Join(ctx context.Context, guildID, channelID string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[guildID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("voice: guild %s already has an active session", guildID)
	}
	m.sessions[guildID] = nil // reserve the slot
	m.mu.Unlock()

	sess, err := m.buildSession(ctx, guildID, channelID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, guildID)
		return nil, err
	}
	m.sessions[guildID] = sess
	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	return sess, nil
}

// buildSession performs the slow path of Join: connecting to the voice
// channel, constructing the engine, and wiring tools. It does not touch
// m.sessions.
func (m *Manager) buildSession(ctx context.Context, guildID, channelID string) (*Session, error) {
	platform, err := m.cfg.Platforms(guildID)
	if err != nil {
		return nil, fmt.Errorf("voice: failed to build platform for guild %s: %w", guildID, err)
	}

	conn, err := platform.Connect(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("voice: failed to connect to channel %s in guild %s: %w", channelID, guildID, err)
	}

	eng, err := BuildEngine(m.cfg.EngineMode, m.cfg.EngineProviders, m.cfg.Voice, m.cfg.Behavior.SystemPrompt)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("voice: failed to build engine for guild %s: %w", guildID, err)
	}

	sess := NewSession(guildID, channelID, conn, eng, m.cfg.VAD, m.cfg.Behavior, m.cfg.Voice)

	if m.cfg.Host != nil {
		if err := sess.EnableTools(m.cfg.Host, m.cfg.Behavior.BudgetTier); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("voice: failed to enable tools for guild %s: %w", guildID, err)
		}
	}

	return sess, nil
}

// Leave ends the active session for guildID. If the session's engine is
// speech-to-speech, the accumulated conversation history is injected as a
// closing context update before teardown, giving the provider a chance to
// produce a natural closing remark; pipeline engines don't need this since
// their own conversation log is already complete.
//
// Returns an error if no session is active for guildID.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if !ok || sess == nil {
		return fmt.Errorf("voice: no active session for guild %s", guildID)
	}
	observe.DefaultMetrics().ActiveSessions.Add(ctx, -1)

	if _, isS2S := sess.eng.(*s2s.Engine); isS2S {
		if snapshot := sess.History().Snapshot(); len(snapshot) > 0 {
			if err := sess.eng.InjectContext(ctx, engine.ContextUpdate{RecentUtterances: snapshot}); err != nil {
				slog.Warn("voice: failed to inject closing context", "guild", guildID, "err", err)
			}
		}
	}

	return sess.Close()
}

// Get returns the active session for guildID, if any.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[guildID]
	return sess, ok && sess != nil
}

// ActiveGuilds returns the guild IDs with a currently active session.
func (m *Manager) ActiveGuilds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	guilds := make([]string, 0, len(m.sessions))
	for guildID, sess := range m.sessions {
		if sess != nil {
			guilds = append(guilds, guildID)
		}
	}
	return guilds
}

// StopAll best-effort closes every active session. Errors are logged, not
// returned, so shutdown proceeds even if one guild's teardown fails.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	guilds := make([]string, 0, len(m.sessions))
	for guildID, sess := range m.sessions {
		if sess != nil {
			guilds = append(guilds, guildID)
		}
	}
	m.mu.Unlock()

	for _, guildID := range guilds {
		if err := m.Leave(ctx, guildID); err != nil {
			slog.Warn("voice: error stopping session during shutdown", "guild", guildID, "err", err)
		}
	}
}
