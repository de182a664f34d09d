package voice

import (
	"fmt"
	"log/slog"

	"github.com/relaywave/voicebridge/internal/config"
	"github.com/relaywave/voicebridge/internal/engine"
	"github.com/relaywave/voicebridge/internal/engine/cascade"
	"github.com/relaywave/voicebridge/internal/engine/s2s"
	"github.com/relaywave/voicebridge/pkg/provider/llm"
	providers2s "github.com/relaywave/voicebridge/pkg/provider/s2s"
	"github.com/relaywave/voicebridge/pkg/provider/stt"
	"github.com/relaywave/voicebridge/pkg/provider/tts"
)

// EngineProviders bundles the concrete providers a voice session's engine may
// be built from. Not every field is required for every [config.EngineMode];
// see [BuildEngine].
type EngineProviders struct {
	// FastLLM answers the opening sentence of a pipeline reply with low
	// latency. Required for "pipeline" and "auto" (pipeline fallback) modes.
	FastLLM llm.Provider

	// StrongLLM continues the reply after the fast model's opener. Required
	// alongside FastLLM.
	StrongLLM llm.Provider

	// STT transcribes inbound audio for the pipeline engine. Optional: when
	// nil, the cascade engine expects already-transcribed text upstream.
	STT stt.Provider

	// TTS synthesises the pipeline engine's spoken reply. Required for
	// "pipeline" and "auto" (pipeline fallback) modes.
	TTS tts.Provider

	// S2S is the speech-to-speech provider. Required for "speech-to-speech"
	// mode and preferred by "auto" when non-nil.
	S2S providers2s.Provider
}

// BuildEngine resolves mode into a concrete [engine.VoiceEngine] using the
// supplied providers, voice profile, and system prompt.
//
//   - [config.EngineS2S] builds an s2s engine; if providers.S2S is nil it logs
//     a warning and builds the cascade engine instead, as for EnginePipeline.
//   - [config.EnginePipeline] always builds a cascade engine; an error is
//     returned if providers.FastLLM, providers.StrongLLM, or providers.TTS is nil.
//   - [config.EngineAuto] builds an s2s engine if providers.S2S is non-nil,
//     otherwise falls back to the cascade engine.
func BuildEngine(mode config.EngineMode, providers EngineProviders, voice tts.VoiceProfile, systemPrompt string) (engine.VoiceEngine, error) {
	switch mode {
	case config.EngineS2S:
		if providers.S2S == nil {
			slog.Warn("voice: speech-to-speech mode has no S2S provider; using the pipeline engine")
			return buildCascadeEngine(providers, voice)
		}
		return buildS2SEngine(providers, voice, systemPrompt)
	case config.EnginePipeline:
		return buildCascadeEngine(providers, voice)
	case config.EngineAuto, "":
		if providers.S2S != nil {
			return buildS2SEngine(providers, voice, systemPrompt)
		}
		return buildCascadeEngine(providers, voice)
	default:
		return nil, fmt.Errorf("voice: unknown engine mode %q", mode)
	}
}

func buildS2SEngine(providers EngineProviders, voice tts.VoiceProfile, systemPrompt string) (engine.VoiceEngine, error) {
	if providers.S2S == nil {
		return nil, fmt.Errorf("voice: speech-to-speech engine requires an S2S provider")
	}
	cfg := providers2s.SessionConfig{
		Voice:        voice,
		Instructions: systemPrompt,
	}
	return s2s.New(providers.S2S, cfg), nil
}

func buildCascadeEngine(providers EngineProviders, voice tts.VoiceProfile) (engine.VoiceEngine, error) {
	if providers.FastLLM == nil || providers.StrongLLM == nil {
		return nil, fmt.Errorf("voice: pipeline engine requires both a fast and a strong LLM provider")
	}
	if providers.TTS == nil {
		return nil, fmt.Errorf("voice: pipeline engine requires a TTS provider")
	}
	var opts []cascade.Option
	if providers.STT != nil {
		opts = append(opts, cascade.WithSTT(providers.STT))
	}
	return cascade.New(providers.FastLLM, providers.StrongLLM, providers.TTS, voice, opts...), nil
}
