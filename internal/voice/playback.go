package voice

import (
	"log/slog"
	"sync"

	"github.com/relaywave/voicebridge/pkg/audio"
)

// playbackOutputFormat is the audio format written to a [audio.Connection]'s
// output stream: 48kHz stereo PCM16, matching Discord's Opus encode input.
var playbackOutputFormat = audio.Format{SampleRate: 48000, Channels: 2}

// playbackEntry is one queued audio stream awaiting playback.
type playbackEntry struct {
	id     uint64
	audio  <-chan []byte
	errFn  func() error
	cancel func()
}

// PlaybackQueue is a strict FIFO queue of synthesised audio streams. Entries
// are played one at a time in enqueue order; the queue promotes the next
// entry as soon as the current one finishes or errors.
//
// PlaybackQueue owns the bot-speaking flag: it is set the moment an entry
// becomes current and cleared the moment playback goes idle (queue empty)
// or [PlaybackQueue.Clear] is called. Callers wanting to feed an
// [EchoSuppressor] should pass it in via [NewPlaybackQueue].
//
// PlaybackQueue is safe for concurrent use.
type PlaybackQueue struct {
	out  chan<- audio.AudioFrame
	echo *EchoSuppressor

	onSpeakingChange func(bool)
	onCleared        func()

	mu       sync.Mutex
	pending  []*playbackEntry
	current  *playbackEntry
	draining bool
	gen      uint64
	nextID   uint64

	wake chan struct{}
	done chan struct{}
	stop sync.Once
}

// NewPlaybackQueue creates a PlaybackQueue that writes frames to out and
// registers every outbound chunk with echo before sending it. The returned
// queue starts its sender goroutine immediately.
func NewPlaybackQueue(out chan<- audio.AudioFrame, echo *EchoSuppressor) *PlaybackQueue {
	q := &PlaybackQueue{
		out:  out,
		echo: echo,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// OnSpeakingChange registers cb to be invoked whenever the bot-speaking flag
// flips. Typically wired to the [EchoSuppressor]'s SetSpeaking method.
func (q *PlaybackQueue) OnSpeakingChange(cb func(bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSpeakingChange = cb
}

// OnCleared registers cb to be invoked after [PlaybackQueue.Clear] finishes
// cancelling all in-flight streams.
func (q *PlaybackQueue) OnCleared(cb func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCleared = cb
}

// Enqueue adds a new audio stream to the back of the queue. cancel, if
// non-nil, is invoked exactly once when the stream finishes — whether it
// played out naturally, was discarded before becoming current, or was cut
// short by [PlaybackQueue.Clear] — so callers can release resources (e.g.
// cancel the context bound to the stream's producer) without caring which
// path ended it.
func (q *PlaybackQueue) Enqueue(ch <-chan []byte, errFn func() error, cancel func()) {
	q.mu.Lock()
	q.nextID++
	e := &playbackEntry{id: q.nextID, audio: ch, errFn: errFn, cancel: cancel}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear cancels the current stream and every pending one, drains the queue,
// and clears the bot-speaking flag. A draining guard prevents the sender
// loop from promoting a new entry while Clear is still tearing down state.
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	q.draining = true
	q.gen++
	toCancel := make([]*playbackEntry, 0, len(q.pending)+1)
	if q.current != nil {
		toCancel = append(toCancel, q.current)
		q.current = nil
	}
	toCancel = append(toCancel, q.pending...)
	q.pending = nil
	onSpeaking := q.onSpeakingChange
	onCleared := q.onCleared
	q.mu.Unlock()

	for _, e := range toCancel {
		if e.cancel != nil {
			e.cancel()
		}
	}
	if q.echo != nil {
		q.echo.SetSpeaking(false)
	}
	if onSpeaking != nil {
		onSpeaking(false)
	}
	if onCleared != nil {
		onCleared()
	}

	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops the sender goroutine. Safe to call multiple times.
func (q *PlaybackQueue) Close() {
	q.stop.Do(func() {
		close(q.done)
	})
}

// run is the sender loop: one entry plays at a time, chunk by chunk, until
// the queue is drained.
func (q *PlaybackQueue) run() {
	for {
		q.mu.Lock()
		if q.current == nil {
			if q.draining || len(q.pending) == 0 {
				q.mu.Unlock()
				select {
				case <-q.wake:
					continue
				case <-q.done:
					return
				}
			}
			q.current = q.pending[0]
			q.pending = q.pending[1:]
			onSpeaking := q.onSpeakingChange
			q.mu.Unlock()
			if q.echo != nil {
				q.echo.SetSpeaking(true)
			}
			if onSpeaking != nil {
				onSpeaking(true)
			}
		} else {
			q.mu.Unlock()
		}

		q.mu.Lock()
		entry := q.current
		gen := q.gen
		q.mu.Unlock()
		if entry == nil {
			continue
		}

		select {
		case chunk, ok := <-entry.audio:
			if !ok {
				q.finishEntry(entry, gen)
				continue
			}
			if gen != q.currentGen() {
				// A Clear() happened after this entry was captured; drop the
				// chunk instead of sending stale audio.
				continue
			}
			if q.echo != nil {
				q.echo.RegisterOutbound(chunk)
			}
			frame := audio.AudioFrame{
				Data:       chunk,
				SampleRate: playbackOutputFormat.SampleRate,
				Channels:   playbackOutputFormat.Channels,
			}
			select {
			case q.out <- frame:
			case <-q.done:
				return
			}
		case <-q.done:
			return
		}
	}
}

// currentGen returns the current clear-generation counter.
func (q *PlaybackQueue) currentGen() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// finishEntry handles an entry's audio channel closing. If it was current
// and its stream errored, the error is logged and the next entry (if any) is
// promoted; if it errored before becoming current it is dropped silently by
// the caller never inspecting errFn in that path.
func (q *PlaybackQueue) finishEntry(entry *playbackEntry, gen uint64) {
	q.mu.Lock()
	wasCurrent := q.current == entry
	if wasCurrent {
		q.current = nil
	}
	draining := q.draining
	onSpeaking := q.onSpeakingChange
	noMore := wasCurrent && len(q.pending) == 0
	q.mu.Unlock()

	// cancel signals the entry's producer that this stream is done and any
	// resources tied to it can be released. It runs here only for an entry
	// that finished while current; Clear has already run it for entries it
	// removed, so each entry's cancel runs once.
	if wasCurrent && entry.cancel != nil {
		entry.cancel()
	}

	if gen != q.currentGen() || draining {
		return
	}

	if wasCurrent && entry.errFn != nil {
		if err := entry.errFn(); err != nil {
			slog.Warn("voice: playback stream ended with error", "stream_id", entry.id, "err", err)
		}
	}

	if noMore {
		if q.echo != nil {
			q.echo.SetSpeaking(false)
		}
		if onSpeaking != nil {
			onSpeaking(false)
		}
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of entries waiting behind the current one.
func (q *PlaybackQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsSpeaking reports whether an entry is currently playing.
func (q *PlaybackQueue) IsSpeaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}
