// Package config provides the configuration schema, loader, and provider registry
// for the VoiceBridge voice AI system.
package config

// Config is the root configuration structure for VoiceBridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the VoiceBridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DiscordToken authenticates the bot's gateway connection. Falls back to
	// the DISCORD_TOKEN environment variable when empty.
	DiscordToken string `yaml:"discord_token"`
}

// LogLevel controls structured log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EngineMode selects how a voice session turns audio into a reply.
type EngineMode string

const (
	// EngineAuto prefers speech-to-speech when an S2S provider is configured,
	// falling back to the cascaded pipeline otherwise.
	EngineAuto EngineMode = "auto"

	// EnginePipeline forces the cascaded STT → LLM → TTS pipeline.
	EnginePipeline EngineMode = "pipeline"

	// EngineS2S forces an end-to-end speech-to-speech provider.
	EngineS2S EngineMode = "speech-to-speech"
)

// IsValid reports whether m is one of the recognised engine modes.
func (m EngineMode) IsValid() bool {
	switch m {
	case EngineAuto, EnginePipeline, EngineS2S:
		return true
	}
	return false
}

// BudgetTier constrains which MCP tools are offered to the agent during a
// voice turn based on their declared latency.
type BudgetTier string

const (
	BudgetFast     BudgetTier = "fast"
	BudgetStandard BudgetTier = "standard"
	BudgetDeep     BudgetTier = "deep"
)

// IsValid reports whether t is one of the recognised budget tiers.
func (t BudgetTier) IsValid() bool {
	switch t {
	case BudgetFast, BudgetStandard, BudgetDeep:
		return true
	}
	return false
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry    `yaml:"llm"`
	STT ProviderEntry    `yaml:"stt"`
	TTS ProviderEntry    `yaml:"tts"`
	S2S S2SProviderEntry `yaml:"s2s"`
	VAD ProviderEntry    `yaml:"vad"`

	// Audio selects the voice transport platform. Defaults to "discord";
	// "webrtc" is available for browser-based front ends.
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by most provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Leave empty to
	// fall back to the provider's named environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Fallback names a secondary provider used when Name's provider errors.
	// Empty means no fallback.
	Fallback string `yaml:"fallback"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// S2SProviderEntry configures the speech-to-speech provider and its
// per-provider session parameters.
type S2SProviderEntry struct {
	ProviderEntry `yaml:",inline"`

	// OpenAIRealtime holds parameters specific to the OpenAI Realtime API.
	OpenAIRealtime OpenAIRealtimeConfig `yaml:"openai_realtime"`

	// GeminiLive holds parameters specific to Gemini Live.
	GeminiLive GeminiLiveConfig `yaml:"gemini_live"`
}

// OpenAIRealtimeConfig holds OpenAI Realtime API session parameters.
type OpenAIRealtimeConfig struct {
	// Voice selects the built-in OpenAI voice (e.g., "alloy", "shimmer").
	Voice string `yaml:"voice"`
}

// GeminiLiveConfig holds Gemini Live session parameters.
type GeminiLiveConfig struct {
	// SessionDurationMs is the provider-enforced maximum session lifetime
	// before the connection is force-closed. VoiceBridge rotates to a fresh
	// session shortly before this deadline. Defaults to 600000 (10 minutes)
	// when zero.
	SessionDurationMs int `yaml:"session_duration_ms"`

	// Voice selects the built-in Gemini voice.
	Voice string `yaml:"voice"`
}

// VADConfig configures voice activity detection for a session.
type VADConfig struct {
	// Engine selects the VAD backend: "neural" or "rms".
	Engine string `yaml:"engine"`

	// Threshold is the speech-probability cutoff in [0, 1].
	Threshold float64 `yaml:"threshold"`

	// SilenceDurationMs is how long silence must persist before speech is
	// considered to have ended.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// MinSpeechDurationMs is the minimum speech duration before an utterance
	// is considered genuine (filters out transient noise spikes).
	MinSpeechDurationMs int `yaml:"min_speech_duration_ms"`
}

// BehaviorConfig holds voice-session runtime behaviour shared across guilds.
type BehaviorConfig struct {
	// Mode selects the conversation engine. Valid values: "auto", "pipeline",
	// "speech-to-speech". Defaults to "auto".
	Mode EngineMode `yaml:"mode"`

	// VAD configures voice activity detection.
	VAD VADConfig `yaml:"vad"`

	// BargeIn allows a user's speech to interrupt in-progress playback.
	BargeIn bool `yaml:"barge_in"`

	// EchoSuppression discards inbound frames that correlate with the bot's
	// own outbound audio to prevent the bot from hearing itself.
	EchoSuppression bool `yaml:"echo_suppression"`

	// MaxRecordingMs caps how long a single utterance may be recorded before
	// it is forcibly finalised.
	MaxRecordingMs int `yaml:"max_recording_ms"`

	// MaxConversationTurns bounds the conversation context window. Oldest
	// turns are evicted once this limit is exceeded. Defaults to 50.
	MaxConversationTurns int `yaml:"max_conversation_turns"`

	// SystemPrompt is injected as the agent's system message. May be empty.
	SystemPrompt string `yaml:"system_prompt"`

	// AllowedUsers restricts who may address the agent, by Discord user ID.
	// An empty list means everyone in the voice channel is allowed.
	AllowedUsers []string `yaml:"allowed_users"`

	// Voice configures the TTS voice profile used for spoken replies.
	Voice VoiceConfig `yaml:"voice"`

	// Tools lists MCP tool names the agent is permitted to invoke.
	Tools []string `yaml:"tools"`

	// BudgetTier constrains which tools are offered to the agent based on
	// latency. Valid values: "fast", "standard", "deep". Defaults to "standard".
	BudgetTier BudgetTier `yaml:"budget_tier"`
}

// VoiceConfig specifies the TTS voice parameters for the agent.
type VoiceConfig struct {
	// Provider is the TTS provider name (e.g., "elevenlabs", "coqui").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// PitchShift adjusts pitch in the range [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for other transports.
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// Transport selects the connection mechanism for an MCP server. Mirrors
// [mcp.Transport] so config files can be validated without importing the
// mcp package's runtime dependencies into this package's public surface.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is one of the recognised transports.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}
