// Package voice implements the guild-level voice session state machine:
// routing audio between a Discord-style [audio.Connection], per-participant
// VAD, a [engine.VoiceEngine], and a barge-in-aware playback queue.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaywave/voicebridge/internal/config"
	"github.com/relaywave/voicebridge/internal/engine"
	"github.com/relaywave/voicebridge/internal/mcp"
	"github.com/relaywave/voicebridge/internal/observe"
	"github.com/relaywave/voicebridge/pkg/audio"
	"github.com/relaywave/voicebridge/pkg/provider/tts"
	"github.com/relaywave/voicebridge/pkg/provider/vad"
	"github.com/relaywave/voicebridge/pkg/provider/vad/rms"
	"github.com/relaywave/voicebridge/pkg/types"
)

// vadFrameSizeMs is the frame size VAD sessions are configured for. Discord
// audio arrives in 20ms frames; after downmix/resample to mono 16kHz the
// frame byte count still corresponds to 20ms of audio, so no VAD-side
// re-framing is needed.
const vadFrameSizeMs = 20

// sttSampleRate is the sample rate audio is converted to before reaching
// VAD and the engine's internal STT stage.
const sttSampleRate = 16000

// State enumerates a voice session's place in the conversation turn cycle.
type State int

const (
	// StateIdle: no one is speaking and the bot is not replying.
	StateIdle State = iota
	// StateListening: VAD has detected speech and is buffering an utterance.
	StateListening
	// StateProcessing: an utterance was finalised and is being handed to the engine.
	StateProcessing
	// StateSpeaking: the bot's reply audio is playing.
	StateSpeaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// participant tracks one speaker's in-progress utterance.
type participant struct {
	userID   string
	username string

	vadSess vad.SessionHandle
	buf     []byte
	started time.Time
}

// Session owns one guild's live voice conversation: the audio connection,
// per-participant VAD, the conversational engine, and the playback queue.
// A Session is created when the bot joins a channel and closed when it
// leaves.
//
// Session is safe for concurrent use.
type Session struct {
	guildID   string
	channelID string

	conn      audio.Connection
	eng       engine.VoiceEngine
	vadEngine vad.Engine
	// vadFallback is used when vadEngine fails to start a per-participant
	// session (e.g. a neural engine whose model failed to load). RMS
	// amplitude thresholding has no external dependencies, so it is always
	// available as a degraded-but-functional substitute.
	vadFallback vad.Engine
	echo        *EchoSuppressor
	playback  *PlaybackQueue
	history   *ConversationHistory
	bridge    *ToolBridge

	behavior config.BehaviorConfig
	voice    tts.VoiceProfile

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	participants map[string]*participant
	cancelTurn   context.CancelFunc

	closeOnce sync.Once
}

// NewSession constructs a Session wired to conn and eng, and immediately
// starts its background goroutines (participant audio readers, transcript
// forwarding, playback). The caller retains ownership of host/tools wiring;
// pass a non-nil host via [Session.EnableTools] after construction if MCP
// tools should be offered to the engine.
func NewSession(guildID, channelID string, conn audio.Connection, eng engine.VoiceEngine, vadEngine vad.Engine, behavior config.BehaviorConfig, voice tts.VoiceProfile) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	var echo *EchoSuppressor
	if behavior.EchoSuppression {
		echo = NewEchoSuppressor()
	}

	s := &Session{
		guildID:      guildID,
		channelID:    channelID,
		conn:         conn,
		eng:          eng,
		vadEngine:    vadEngine,
		vadFallback:  rms.New(),
		echo:         echo,
		history:      NewConversationHistory(behavior.MaxConversationTurns),
		behavior:     behavior,
		voice:        voice,
		ctx:          ctx,
		cancel:       cancel,
		participants: make(map[string]*participant),
	}

	s.playback = NewPlaybackQueue(conn.OutputStream(), echo)
	s.playback.OnSpeakingChange(s.handleSpeakingChange)

	conn.OnParticipantChange(s.handleParticipantChange)
	s.refreshParticipants()

	s.wg.Add(1)
	go s.forwardTranscripts()

	return s
}

// EnableTools wires host's tool catalogue into the session's engine, filtered
// by tier. It is a no-op if host is nil. Returns an error if the engine
// rejects the initial tool declaration.
func (s *Session) EnableTools(host mcp.Host, tier config.BudgetTier) error {
	if host == nil {
		return nil
	}
	bridge, err := NewToolBridge(host, s.eng, mapBudgetTier(tier))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()
	return nil
}

// State returns the session's current conversation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GuildID returns the guild this session is bound to.
func (s *Session) GuildID() string { return s.guildID }

// ChannelID returns the voice channel this session is bound to.
func (s *Session) ChannelID() string { return s.channelID }

// History returns the session's conversation history.
func (s *Session) History() *ConversationHistory { return s.history }

// Close tears down the session: stops accepting new audio, cancels any
// in-flight engine turn, closes the playback queue, disconnects from the
// voice channel, and closes the engine. Safe to call multiple times.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		s.playback.Close()

		s.mu.Lock()
		for _, p := range s.participants {
			if p.vadSess != nil {
				_ = p.vadSess.Close()
			}
		}
		s.participants = nil
		if s.bridge != nil {
			s.bridge.Close()
		}
		s.mu.Unlock()

		if err := s.conn.Disconnect(); err != nil {
			closeErr = fmt.Errorf("voice: disconnect failed: %w", err)
		}
		if err := s.eng.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("voice: engine close failed: %w", err)
		}
		s.wg.Wait()
	})
	return closeErr
}

// handleParticipantChange reacts to join/leave events by refreshing the
// tracked participant set and spawning/stopping per-participant readers.
func (s *Session) handleParticipantChange(evt audio.Event) {
	switch evt.Type {
	case audio.EventJoin:
		s.refreshParticipants()
	case audio.EventLeave:
		s.mu.Lock()
		p, ok := s.participants[evt.UserID]
		if ok {
			delete(s.participants, evt.UserID)
		}
		s.mu.Unlock()
		if ok && p.vadSess != nil {
			_ = p.vadSess.Close()
		}
	}
}

// refreshParticipants diffs the connection's current InputStreams against the
// tracked participant set and spawns a reader goroutine for each newly seen
// participant.
func (s *Session) refreshParticipants() {
	for userID, ch := range s.conn.InputStreams() {
		s.mu.Lock()
		_, known := s.participants[userID]
		if known {
			s.mu.Unlock()
			continue
		}
		p := &participant{userID: userID}
		s.participants[userID] = p
		s.mu.Unlock()

		s.wg.Add(1)
		go s.readParticipant(p, ch)
	}
}

// readParticipant consumes audio frames for one participant, gates them
// through the echo suppressor and per-user allowlist, and drives a VAD
// session that demarcates utterance boundaries. Finalised utterances are
// handed off to processUtterance.
func (s *Session) readParticipant(p *participant, ch <-chan audio.AudioFrame) {
	defer s.wg.Done()

	allowed := s.isAllowed(p.userID)
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: sttSampleRate, Channels: 1}}

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if !allowed {
				continue
			}
			if s.echo != nil && s.echo.ShouldSuppress(frame.Data) {
				observe.DefaultMetrics().RecordEchoDrop(s.ctx, s.guildID)
				continue
			}

			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}

			if p.vadSess == nil {
				cfg := vad.Config{
					SampleRate:       sttSampleRate,
					FrameSizeMs:      vadFrameSizeMs,
					SpeechThreshold:  s.behavior.VAD.Threshold,
					SilenceThreshold: s.behavior.VAD.Threshold * 0.7,
				}
				sess, err := s.vadEngine.NewSession(cfg)
				if err != nil {
					slog.Warn("voice: VAD engine failed to start, downgrading to RMS fallback", "guild", s.guildID, "user", p.userID, "err", err)
					sess, err = s.vadFallback.NewSession(cfg)
					if err != nil {
						slog.Error("voice: RMS fallback VAD session also failed to start, dropping frame", "guild", s.guildID, "user", p.userID, "err", err)
						continue
					}
				}
				p.vadSess = sess
			}

			evt, err := p.vadSess.ProcessFrame(converted.Data)
			if err != nil {
				slog.Warn("voice: VAD frame processing failed", "guild", s.guildID, "user", p.userID, "err", err)
				continue
			}

			s.handleVADEvent(p, converted, evt)
		}
	}
}

// handleVADEvent drives the state machine from a single participant's VAD
// result: speech start opens (or interrupts into) a listening turn, silence
// closes it and dispatches the buffered utterance to the engine.
func (s *Session) handleVADEvent(p *participant, frame audio.AudioFrame, evt types.VADEvent) {
	switch evt.Type {
	case types.VADSpeechStart:
		s.mu.Lock()
		speaking := s.state == StateSpeaking
		s.mu.Unlock()

		if speaking {
			if !s.behavior.BargeIn {
				return
			}
			s.handleBargeIn()
		}

		s.setState(StateListening)
		p.buf = append(p.buf[:0], frame.Data...)
		p.started = time.Now()

	case types.VADSpeechContinue:
		if s.State() != StateListening {
			return
		}
		p.buf = append(p.buf, frame.Data...)
		if s.behavior.MaxRecordingMs > 0 && time.Since(p.started) > time.Duration(s.behavior.MaxRecordingMs)*time.Millisecond {
			s.finalizeUtterance(p)
		}

	case types.VADSpeechEnd:
		if s.State() != StateListening {
			return
		}
		p.buf = append(p.buf, frame.Data...)
		s.finalizeUtterance(p)

	case types.VADSilence:
		// Nothing buffered yet; ignore.
	}
}

// handleBargeIn interrupts in-progress playback and any in-flight engine
// turn so a new utterance can be processed immediately.
func (s *Session) handleBargeIn() {
	observe.DefaultMetrics().RecordBargeIn(s.ctx, s.guildID)
	s.playback.Clear()

	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// finalizeUtterance hands the participant's buffered audio to the engine in
// a background goroutine and resets the participant's buffer.
func (s *Session) finalizeUtterance(p *participant) {
	pcm := p.buf
	p.buf = nil
	if p.vadSess != nil {
		p.vadSess.Reset()
	}
	if len(pcm) == 0 {
		s.setState(StateIdle)
		return
	}

	s.setState(StateProcessing)

	s.wg.Add(1)
	go s.processUtterance(p, pcm)
}

// processUtterance sends the buffered utterance to the engine, records the
// turn's cancel function for barge-in, and enqueues the reply audio (if any)
// on the playback queue.
func (s *Session) processUtterance(p *participant, pcm []byte) {
	defer s.wg.Done()

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
	clearTurn := func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
		cancel()
	}

	frame := audio.AudioFrame{Data: pcm, SampleRate: sttSampleRate, Channels: 1}
	prompt := engine.PromptContext{
		SystemPrompt: s.behavior.SystemPrompt,
		Messages:     s.history.Messages(),
		BudgetTier:   mapBudgetTier(s.behavior.BudgetTier),
	}

	resp, err := s.eng.Process(turnCtx, frame, prompt)
	if err != nil {
		if turnCtx.Err() != nil {
			// Interrupted by barge-in; not an error worth logging loudly.
			s.setState(StateIdle)
			clearTurn()
			return
		}
		slog.Error("voice: engine processing failed", "guild", s.guildID, "user", p.userID, "err", err)
		s.setState(StateIdle)
		clearTurn()
		return
	}
	if resp == nil || resp.Audio == nil {
		s.setState(StateIdle)
		clearTurn()
		return
	}

	observe.DefaultMetrics().RecordAgentUtterance(turnCtx, s.guildID)

	// clearTurn runs once the reply finishes playing (or is cleared by a
	// barge-in), not when Process returns: the engine may still be streaming
	// audio from a background goroutine bound to turnCtx.
	s.playback.Enqueue(resp.Audio, resp.Err, clearTurn)
}

// Speak makes the session's engine say text aloud immediately, without
// waiting for a user utterance. Any audio the engine returns is enqueued on
// the playback queue like a normal turn reply; a barge-in still clears it.
// Returns an error if synthesis could not be started; a successfully started
// Speak call does not block on playback finishing.
func (s *Session) Speak(ctx context.Context, text string) error {
	audioCh, err := s.eng.Speak(ctx, text)
	if err != nil {
		return fmt.Errorf("voice: speak failed: %w", err)
	}
	if audioCh == nil {
		return nil
	}

	observe.DefaultMetrics().RecordAgentUtterance(ctx, s.guildID)
	s.setState(StateSpeaking)
	s.playback.Enqueue(audioCh, func() error { return nil }, func() {})
	return nil
}

// handleSpeakingChange is wired to the playback queue and keeps the session
// state machine in sync with actual audio output.
func (s *Session) handleSpeakingChange(speaking bool) {
	if speaking {
		s.setState(StateSpeaking)
		return
	}
	s.mu.Lock()
	// Only fall back to idle if a new listening turn hasn't already started
	// (e.g. a barge-in raced the playback queue draining).
	if s.state == StateSpeaking {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// setState transitions the session to state, ignoring no-op transitions.
func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// isAllowed reports whether userID may address the agent, per
// [config.BehaviorConfig.AllowedUsers]. An empty allowlist permits everyone.
func (s *Session) isAllowed(userID string) bool {
	if len(s.behavior.AllowedUsers) == 0 {
		return true
	}
	for _, id := range s.behavior.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// forwardTranscripts copies every entry the engine publishes into the
// session's conversation history until the engine's Transcripts channel closes.
func (s *Session) forwardTranscripts() {
	defer s.wg.Done()
	for entry := range s.eng.Transcripts() {
		s.history.Append(entry)
	}
}

// mapBudgetTier converts a [config.BudgetTier] string enum to its [mcp.BudgetTier]
// equivalent. Unrecognised values fall back to standard.
func mapBudgetTier(t config.BudgetTier) mcp.BudgetTier {
	switch t {
	case config.BudgetFast:
		return mcp.BudgetFast
	case config.BudgetDeep:
		return mcp.BudgetDeep
	default:
		return mcp.BudgetStandard
	}
}
