package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper", "whisper-native"},
	"tts":   {"elevenlabs", "coqui"},
	"s2s":   {"openai-realtime", "gemini-live"},
	"vad":   {"neural", "rms"},
	"audio": {"discord", "webrtc"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Behavior.Mode == "" {
		cfg.Behavior.Mode = EngineAuto
	}
	if cfg.Behavior.MaxConversationTurns == 0 {
		cfg.Behavior.MaxConversationTurns = 50
	}
	if cfg.Behavior.BudgetTier == "" {
		cfg.Behavior.BudgetTier = BudgetStandard
	}
	if cfg.Behavior.VAD.Engine == "" {
		cfg.Behavior.VAD.Engine = "neural"
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "discord"
	}
	if cfg.Providers.S2S.GeminiLive.SessionDurationMs == 0 {
		cfg.Providers.S2S.GeminiLive.SessionDurationMs = 600_000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Behavior.Mode != "" && !cfg.Behavior.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("behavior.mode %q is invalid; valid values: auto, pipeline, speech-to-speech", cfg.Behavior.Mode))
	}
	if cfg.Behavior.BudgetTier != "" && !cfg.Behavior.BudgetTier.IsValid() {
		errs = append(errs, fmt.Errorf("behavior.budget_tier %q is invalid; valid values: fast, standard, deep", cfg.Behavior.BudgetTier))
	}

	if cfg.Behavior.Voice.SpeedFactor != 0 {
		if cfg.Behavior.Voice.SpeedFactor < 0.5 || cfg.Behavior.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("behavior.voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Behavior.Voice.SpeedFactor))
		}
	}
	if cfg.Behavior.Voice.PitchShift < -10 || cfg.Behavior.Voice.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("behavior.voice.pitch_shift %.2f is out of range [-10, 10]", cfg.Behavior.Voice.PitchShift))
	}

	if cfg.Behavior.VAD.Threshold != 0 {
		if cfg.Behavior.VAD.Threshold < 0 || cfg.Behavior.VAD.Threshold > 1 {
			errs = append(errs, fmt.Errorf("behavior.vad.threshold %.2f is out of range [0, 1]", cfg.Behavior.VAD.Threshold))
		}
	}

	// Engine mode ↔ provider cross-validation.
	mode := cfg.Behavior.Mode
	if mode == EnginePipeline || mode == EngineAuto {
		if mode == EnginePipeline && cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("behavior.mode \"pipeline\" requires an LLM provider but providers.llm is not configured"))
		}
		if mode == EnginePipeline && cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("behavior.mode \"pipeline\" requires a TTS provider but providers.tts is not configured"))
		}
	}
	if mode == EngineS2S && cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("behavior.mode \"speech-to-speech\" requires an S2S provider but providers.s2s is not configured"))
	}
	if cfg.Providers.LLM.Name == "" && cfg.Providers.S2S.Name == "" {
		slog.Warn("no LLM or S2S provider configured; the agent will not be able to generate responses")
	}

	// Voice provider ↔ TTS provider cross-validation.
	if cfg.Behavior.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Behavior.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("behavior voice provider does not match configured TTS provider",
			"voice_provider", cfg.Behavior.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
