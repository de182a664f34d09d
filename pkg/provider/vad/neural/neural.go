// Package neural implements a [vad.Engine] backed by the Silero VAD v5 model
// running through ONNX Runtime. It is the high-accuracy backend; when the
// shared ONNX Runtime library or model weights are unavailable, callers
// should fall back to [github.com/relaywave/voicebridge/pkg/provider/vad/rms].
package neural

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/relaywave/voicebridge/pkg/provider/vad"
	"github.com/relaywave/voicebridge/pkg/types"
)

const (
	// windowSize is the number of float32 samples per inference call. Silero
	// VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
	windowSize = 512

	// stateSize is the hidden state dimension per layer. Silero VAD v5 uses a
	// combined state tensor of shape [2, 1, 128].
	stateSize = 128

	// nativeSampleRate is the only sample rate the bundled model accepts.
	nativeSampleRate = 16000
)

var (
	initOnce sync.Once
	initErr  error
)

// Engine runs Silero VAD v5 inference via ONNX Runtime. A single Engine may
// back many concurrent [vad.SessionHandle] instances, each with its own
// tensors and hidden state.
type Engine struct {
	modelData []byte
	libPath   string
}

// New returns an Engine that loads modelData (the Silero ONNX graph) lazily
// on the first NewSession call. libPath is the path to the shared ONNX
// Runtime library (libonnxruntime.so / .dylib / .dll).
func New(modelData []byte, libPath string) (*Engine, error) {
	if len(modelData) == 0 {
		return nil, fmt.Errorf("neural: model data is empty")
	}
	if libPath == "" {
		return nil, fmt.Errorf("neural: ONNX Runtime library path is required")
	}
	return &Engine{modelData: modelData, libPath: libPath}, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate != nativeSampleRate {
		return nil, fmt.Errorf("neural: sample rate must be %d, got %d", nativeSampleRate, cfg.SampleRate)
	}

	initOnce.Do(func() {
		ort.SetSharedLibraryPath(e.libPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("neural: initialize ONNX Runtime: %w", initErr)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, windowSize))
	if err != nil {
		return nil, fmt.Errorf("neural: create input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("neural: create state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{nativeSampleRate})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("neural: create sample-rate tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("neural: create output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, stateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("neural: create next-state tensor: %w", err)
	}

	ortSession, err := ort.NewAdvancedSessionWithONNXData(
		e.modelData,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("neural: create session: %w", err)
	}

	return &session{
		ortSession:   ortSession,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		pcmBuf:       make([]float32, 0, windowSize*2),
		speechThresh: cfg.SpeechThreshold,
		silenceThresh: cfg.SilenceThreshold,
	}, nil
}

// session is a [vad.SessionHandle] running Silero VAD v5 inference with
// per-stream hidden state and a PCM accumulation buffer.
type session struct {
	mu sync.Mutex

	ortSession *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32]
	stateTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]

	pcmBuf []float32

	speaking      bool
	speechThresh  float64
	silenceThresh float64

	closed bool
}

// ProcessFrame implements [vad.SessionHandle]. frame must be 16-bit
// little-endian PCM at 16 kHz. Frames are accumulated until a full
// windowSize window is available; partial remainders carry over between
// calls, so callers do not need to align frame boundaries to 32ms.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("neural: session is closed")
	}
	if len(frame)%2 != 0 {
		return types.VADEvent{}, fmt.Errorf("neural: frame has odd byte length %d", len(frame))
	}

	s.pcmBuf = append(s.pcmBuf, pcmToFloat32(frame)...)

	var last types.VADEvent
	haveResult := false
	for len(s.pcmBuf) >= windowSize {
		prob, err := s.infer(s.pcmBuf[:windowSize])
		if err != nil {
			return types.VADEvent{}, err
		}
		s.pcmBuf = s.pcmBuf[windowSize:]
		last = s.classify(prob)
		haveResult = true
	}

	if !haveResult {
		return types.VADEvent{Type: types.VADSilence}, nil
	}
	return last, nil
}

// classify advances the speaking/silent state machine using independent
// speech and silence thresholds, mirroring the hysteresis band used by
// rms.Engine so the two backends behave similarly to callers.
func (s *session) classify(prob float32) types.VADEvent {
	p := float64(prob)
	switch {
	case !s.speaking && p >= s.speechThresh:
		s.speaking = true
		return types.VADEvent{Type: types.VADSpeechStart, Probability: p}
	case s.speaking && p < s.silenceThresh:
		s.speaking = false
		return types.VADEvent{Type: types.VADSpeechEnd, Probability: p}
	case s.speaking:
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: p}
	default:
		return types.VADEvent{Type: types.VADSilence, Probability: p}
	}
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clearFloat32Slice(s.stateTensor.GetData())
	s.pcmBuf = s.pcmBuf[:0]
	s.speaking = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ortSession.Destroy()
	s.inputTensor.Destroy()
	s.stateTensor.Destroy()
	s.srTensor.Destroy()
	s.outputTensor.Destroy()
	s.stateNTensor.Destroy()
	return nil
}

// infer runs a single Silero VAD inference on exactly windowSize float32
// samples, carrying the hidden state forward for the next call.
func (s *session) infer(window []float32) (float32, error) {
	copy(s.inputTensor.GetData(), window)

	if err := s.ortSession.Run(); err != nil {
		return 0, fmt.Errorf("neural: inference: %w", err)
	}

	prob := s.outputTensor.GetData()[0]
	copy(s.stateTensor.GetData(), s.stateNTensor.GetData())
	return prob, nil
}

// pcmToFloat32 converts PCM s16le bytes to float32 samples normalized to
// [-1, 1]. Divides by 32768 (not 32767) so the full int16 range maps inside
// [-1, 1] without ever exceeding it.
func pcmToFloat32(buf []byte) []float32 {
	n := len(buf) / 2
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		samples[i] = float32(int16(u)) / 32768.0
	}
	return samples
}

func clearFloat32Slice(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

var _ vad.Engine = (*Engine)(nil)
var _ vad.SessionHandle = (*session)(nil)
