package tts

import (
	"context"
	"sync"
)

// CancellableStream wraps a single [Provider.SynthesizeStream] call with a
// Stop method that tears the stream down without requiring the caller's
// parent context to be cancelled. This lets a playback queue stop a reply
// mid-sentence on barge-in while leaving the turn's own context (used for
// transcript/tool bookkeeping) alive.
type CancellableStream struct {
	cancel context.CancelFunc
	audio  <-chan []byte

	once sync.Once
	done chan struct{}
}

// StartCancellableStream starts provider.SynthesizeStream under a child
// context derived from ctx, and returns a handle whose Stop cancels only
// that child context. text must already be producing (or about to produce)
// fragments; StartCancellableStream does not close it.
func StartCancellableStream(ctx context.Context, provider Provider, text <-chan string, voice VoiceProfile) (*CancellableStream, error) {
	child, cancel := context.WithCancel(ctx)
	audio, err := provider.SynthesizeStream(child, text, voice)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &CancellableStream{cancel: cancel, done: make(chan struct{})}

	// Relay audio through an intermediate channel that closes as soon as
	// Stop fires, even if the provider is slow to react to its context
	// being cancelled. This bounds how long a caller can block draining
	// the stream after a barge-in.
	relay := make(chan []byte)
	s.audio = relay
	go func() {
		defer close(relay)
		for {
			select {
			case chunk, ok := <-audio:
				if !ok {
					return
				}
				select {
				case relay <- chunk:
				case <-s.done:
					return
				}
			case <-s.done:
				return
			}
		}
	}()

	return s, nil
}

// Audio returns the channel of synthesized PCM chunks. It closes when
// synthesis completes normally or after Stop is called.
func (s *CancellableStream) Audio() <-chan []byte {
	return s.audio
}

// Stop cancels the underlying synthesis context and unblocks any goroutine
// draining Audio(). Safe to call more than once; only the first call has an
// effect.
func (s *CancellableStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}
