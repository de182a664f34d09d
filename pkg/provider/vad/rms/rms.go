// Package rms implements a dependency-free [vad.Engine] backed by simple
// amplitude thresholding. It trades accuracy for zero external model weights
// and is the default when no ONNX runtime is configured, or as a last-resort
// fallback if the neural engine fails to load.
package rms

import (
	"fmt"
	"math"
	"sync"

	"github.com/relaywave/voicebridge/pkg/provider/vad"
	"github.com/relaywave/voicebridge/pkg/types"
)

// Engine is a [vad.Engine] that classifies frames by RMS amplitude with
// consecutive-frame hysteresis, independent of any audio model.
type Engine struct{}

// New returns a ready-to-use rms.Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("rms: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("rms: silence threshold %.2f must not exceed speech threshold %.2f", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	speechLevel := thresholdToRMS(cfg.SpeechThreshold)
	silenceLevel := thresholdToRMS(cfg.SilenceThreshold)
	return &session{speechLevel: speechLevel, silenceLevel: silenceLevel}, nil
}

// thresholdToRMS maps a [0,1] probability-style threshold onto the int16 PCM
// amplitude scale. 0.5 lands around a conversational speaking level.
func thresholdToRMS(threshold float64) float64 {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return threshold * 8000
}

const (
	// minStartFrames is the number of consecutive above-threshold frames
	// required before a silence→speech transition is reported.
	minStartFrames = 2

	// hangoverFrames is the number of consecutive below-threshold frames
	// required before a speech→silence transition is reported. This absorbs
	// brief dips mid-utterance (plosive gaps, breaths) without cutting a turn
	// early.
	hangoverFrames = 8
)

// session is a [vad.SessionHandle] driven by RMS amplitude with separate
// speech/silence levels and frame-count hysteresis, mirroring the
// attack/release pattern common to feature-driven barge-in detectors.
type session struct {
	mu sync.Mutex

	speechLevel  float64
	silenceLevel float64

	speaking     bool
	consecSpeech int
	consecQuiet  int
	closed       bool
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("rms: session is closed")
	}

	level := rmsPCM16(frame)
	prob := probabilityFor(level, s.silenceLevel, s.speechLevel)

	if !s.speaking {
		if level >= s.speechLevel {
			s.consecSpeech++
			s.consecQuiet = 0
			if s.consecSpeech >= minStartFrames {
				s.speaking = true
				return types.VADEvent{Type: types.VADSpeechStart, Probability: prob}, nil
			}
		} else {
			s.consecSpeech = 0
		}
		return types.VADEvent{Type: types.VADSilence, Probability: prob}, nil
	}

	if level < s.silenceLevel {
		s.consecQuiet++
		if s.consecQuiet >= hangoverFrames {
			s.speaking = false
			s.consecSpeech = 0
			s.consecQuiet = 0
			return types.VADEvent{Type: types.VADSpeechEnd, Probability: prob}, nil
		}
	} else {
		s.consecQuiet = 0
	}
	return types.VADEvent{Type: types.VADSpeechContinue, Probability: prob}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.consecSpeech = 0
	s.consecQuiet = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// probabilityFor linearly maps an RMS level onto [0,1] between the silence
// and speech levels, clamped at the ends. It exists so rms.Engine can report
// a Probability comparable in shape to a model-backed engine's output, even
// though it is derived from amplitude rather than a learned score.
func probabilityFor(level, silenceLevel, speechLevel float64) float64 {
	if speechLevel <= silenceLevel {
		if level >= speechLevel {
			return 1
		}
		return 0
	}
	p := (level - silenceLevel) / (speechLevel - silenceLevel)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// rmsPCM16 computes the root-mean-square amplitude of little-endian int16
// PCM audio. Returns 0 for empty or malformed (odd-length) input.
func rmsPCM16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 || len(pcm)%2 != 0 {
		return 0
	}
	var sumSq float64
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sumSq += float64(v) * float64(v)
	}
	return math.Sqrt(sumSq / float64(n))
}
