package voice

import (
	"encoding/binary"
	"testing"
	"time"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func constPCM(value int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return pcm16(samples...)
}

func TestEchoSuppressor_QuietWhileIdleIsNotSuppressed(t *testing.T) {
	s := NewEchoSuppressor()
	if s.ShouldSuppress(constPCM(50, 20)) {
		t.Error("idle suppressor with no cooldown should never suppress")
	}
}

func TestEchoSuppressor_CooldownFloorSuppressesQuietFrames(t *testing.T) {
	s := NewEchoSuppressor()
	s.SetSpeaking(true)
	s.SetSpeaking(false) // starts the cooldown window

	if !s.ShouldSuppress(constPCM(10, 20)) {
		t.Error("quiet frame during cooldown should be suppressed")
	}
}

func TestEchoSuppressor_CooldownFloorAllowsLoudFrames(t *testing.T) {
	s := NewEchoSuppressor()
	s.SetSpeaking(true)
	s.SetSpeaking(false)

	if s.ShouldSuppress(constPCM(5000, 20)) {
		t.Error("loud frame during cooldown should not be suppressed")
	}
}

func TestEchoSuppressor_CooldownExpires(t *testing.T) {
	s := NewEchoSuppressor()
	s.SetSpeaking(true)
	s.SetSpeaking(false)
	s.cooldownUntil = time.Now().Add(-time.Millisecond) // force expiry

	if s.ShouldSuppress(constPCM(10, 20)) {
		t.Error("expired cooldown should not suppress")
	}
}

func TestEchoSuppressor_CorrelationSuppressesFramesNearOutboundLevel(t *testing.T) {
	s := NewEchoSuppressor()
	s.RegisterOutbound(constPCM(1000, 20))
	s.SetSpeaking(true)

	if !s.ShouldSuppress(constPCM(800, 20)) {
		t.Error("inbound frame near outbound RMS while speaking should be suppressed")
	}
}

func TestEchoSuppressor_CorrelationAllowsLoudFramesWhileSpeaking(t *testing.T) {
	s := NewEchoSuppressor()
	s.RegisterOutbound(constPCM(1000, 20))
	s.SetSpeaking(true)

	if s.ShouldSuppress(constPCM(8000, 20)) {
		t.Error("inbound frame far above outbound RMS should be treated as real speech (barge-in)")
	}
}

func TestEchoSuppressor_NoOutboundHistoryNeverSuppressesWhileSpeaking(t *testing.T) {
	s := NewEchoSuppressor()
	s.SetSpeaking(true)

	if s.ShouldSuppress(constPCM(10, 20)) {
		t.Error("with no outbound history recorded yet, suppression should not trigger")
	}
}

func TestRmsPCM16(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		want float64
	}{
		{"empty", nil, 0},
		{"odd length", []byte{0x01}, 0},
		{"constant amplitude", constPCM(100, 4), 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := rmsPCM16(tc.pcm); got != tc.want {
				t.Errorf("rmsPCM16(%v) = %v, want %v", tc.pcm, got, tc.want)
			}
		})
	}
}
