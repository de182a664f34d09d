package voice

import (
	"math"
	"sync"
	"time"
)

// Echo suppression constants. See [EchoSuppressor] for the two-stage algorithm
// these values drive.
const (
	// echoCooldownWindow is how long after the bot stops speaking that inbound
	// frames are still screened against the fixed RMS floor below.
	echoCooldownWindow = 300 * time.Millisecond

	// echoCooldownRMSFloor is the fixed amplitude threshold applied during the
	// cooldown window. Frames quieter than this are almost certainly trailing
	// echo/room reverb rather than a genuine new utterance. Kept as a constant
	// rather than a config knob: it models room acoustics, not a tuning dial
	// operators are expected to touch per deployment.
	echoCooldownRMSFloor = 600

	// echoCorrelationFactor is how far above the bot's own recent outbound RMS
	// an inbound frame's RMS must be, while the bot is actively speaking, to be
	// treated as genuine user speech rather than mic pickup of the bot's output.
	echoCorrelationFactor = 1.4

	// echoRingSize is the depth of the outbound RMS ring, in 20ms frames
	// (≈1 second of recent playback history).
	echoRingSize = 50
)

// EchoSuppressor decides whether an inbound audio frame is likely the bot
// hearing its own playback rather than genuine user speech.
//
// It runs two checks in sequence:
//
//  1. Temporal gating — for a short cooldown window after the bot stops
//     speaking, quiet inbound frames are dropped outright.
//  2. Energy correlation — while the bot is actively speaking, an inbound
//     frame is compared against the recent mean RMS of the bot's own outbound
//     audio; frames close to that level are almost certainly echo.
//
// EchoSuppressor is safe for concurrent use.
type EchoSuppressor struct {
	mu            sync.Mutex
	speaking      bool
	cooldownUntil time.Time

	ring     [echoRingSize]float64
	ringPos  int
	ringFull bool
}

// NewEchoSuppressor returns a ready-to-use EchoSuppressor with an empty
// outbound RMS history.
func NewEchoSuppressor() *EchoSuppressor {
	return &EchoSuppressor{}
}

// SetSpeaking records whether the bot is currently producing audio. Call this
// whenever the playback queue transitions between idle and active. Passing
// false starts the cooldown window used by the temporal gate.
func (s *EchoSuppressor) SetSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking && !speaking {
		s.cooldownUntil = time.Now().Add(echoCooldownWindow)
	}
	s.speaking = speaking
}

// RegisterOutbound feeds a chunk of outbound (bot) PCM audio into the
// correlation ring. Call this immediately before handing the chunk to the
// audio sender, so the ring always reflects what the bot is actually playing.
func (s *EchoSuppressor) RegisterOutbound(pcm []byte) {
	r := rmsPCM16(pcm)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.ringPos] = r
	s.ringPos = (s.ringPos + 1) % echoRingSize
	if s.ringPos == 0 {
		s.ringFull = true
	}
}

// ShouldSuppress reports whether an inbound PCM frame should be dropped
// before reaching VAD/STT.
func (s *EchoSuppressor) ShouldSuppress(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speaking {
		mean := s.meanRingLocked()
		if mean <= 0 {
			return false
		}
		return rmsPCM16(pcm) < echoCorrelationFactor*mean
	}

	if time.Now().Before(s.cooldownUntil) {
		return rmsPCM16(pcm) < echoCooldownRMSFloor
	}

	return false
}

// meanRingLocked returns the mean of the recorded outbound RMS samples.
// Must be called with s.mu held.
func (s *EchoSuppressor) meanRingLocked() float64 {
	n := s.ringPos
	if s.ringFull {
		n = echoRingSize
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sum += s.ring[i]
	}
	return sum / float64(n)
}

// rmsPCM16 computes the root-mean-square amplitude of little-endian int16 PCM
// audio. Returns 0 for empty or malformed (odd-length) input.
func rmsPCM16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(n))
}
