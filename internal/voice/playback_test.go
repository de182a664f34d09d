package voice

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaywave/voicebridge/pkg/audio"
)

func drainOut(ch chan audio.AudioFrame, done <-chan struct{}) *int32 {
	var count int32
	go func() {
		for {
			select {
			case <-ch:
				atomic.AddInt32(&count, 1)
			case <-done:
				return
			}
		}
	}()
	return &count
}

func TestPlaybackQueue_PlaysEntriesInFIFOOrder(t *testing.T) {
	out := make(chan audio.AudioFrame, 16)
	q := NewPlaybackQueue(out, nil)
	defer q.Close()

	var order []int
	var orderDone = make(chan struct{})

	chA := make(chan []byte, 1)
	chB := make(chan []byte, 1)
	chA <- []byte("a")
	close(chA)
	chB <- []byte("b")
	close(chB)

	q.Enqueue(chA, nil, func() { order = append(order, 1); if len(order) == 2 { close(orderDone) } })
	q.Enqueue(chB, nil, func() { order = append(order, 2); if len(order) == 2 { close(orderDone) } })

	select {
	case <-orderDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for both entries to finish")
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("playback order = %v, want [1 2]", order)
	}
}

func TestPlaybackQueue_CancelCalledOnceOnNormalCompletion(t *testing.T) {
	out := make(chan audio.AudioFrame, 16)
	q := NewPlaybackQueue(out, nil)
	defer q.Close()

	ch := make(chan []byte, 1)
	ch <- []byte("x")
	close(ch)

	var calls int32
	done := make(chan struct{})
	q.Enqueue(ch, nil, func() {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel callback was never invoked on normal completion")
	}
	time.Sleep(10 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("cancel called %d times, want exactly 1", n)
	}
}

func TestPlaybackQueue_ClearCancelsCurrentAndPending(t *testing.T) {
	out := make(chan audio.AudioFrame, 16)
	q := NewPlaybackQueue(out, nil)
	defer q.Close()

	current := make(chan []byte) // never closes on its own
	pending := make(chan []byte)

	var currentCancelled, pendingCancelled int32
	q.Enqueue(current, nil, func() { atomic.StoreInt32(&currentCancelled, 1) })
	q.Enqueue(pending, nil, func() { atomic.StoreInt32(&pendingCancelled, 1) })

	// Give the sender loop a chance to promote the first entry to current.
	time.Sleep(20 * time.Millisecond)

	q.Clear()

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&currentCancelled) != 1 {
		t.Error("current entry's cancel was not invoked by Clear")
	}
	if atomic.LoadInt32(&pendingCancelled) != 1 {
		t.Error("pending entry's cancel was not invoked by Clear")
	}
	if q.IsSpeaking() {
		t.Error("queue should not report speaking after Clear")
	}
	if q.Depth() != 0 {
		t.Errorf("queue depth after Clear = %d, want 0", q.Depth())
	}
}

func TestPlaybackQueue_SpeakingChangeCallback(t *testing.T) {
	out := make(chan audio.AudioFrame, 16)
	q := NewPlaybackQueue(out, nil)
	defer q.Close()

	events := make(chan bool, 4)
	q.OnSpeakingChange(func(speaking bool) { events <- speaking })

	ch := make(chan []byte, 1)
	ch <- []byte("y")
	close(ch)
	q.Enqueue(ch, nil, nil)

	select {
	case v := <-events:
		if !v {
			t.Error("expected speaking=true first")
		}
	case <-time.After(time.Second):
		t.Fatal("never received speaking=true")
	}
	select {
	case v := <-events:
		if v {
			t.Error("expected speaking=false after stream drains")
		}
	case <-time.After(time.Second):
		t.Fatal("never received speaking=false")
	}
}

func TestPlaybackQueue_ErrFnLoggedButDoesNotBlockNextEntry(t *testing.T) {
	out := make(chan audio.AudioFrame, 16)
	q := NewPlaybackQueue(out, nil)
	defer q.Close()

	chA := make(chan []byte, 1)
	chA <- []byte("a")
	close(chA)
	chB := make(chan []byte, 1)
	chB <- []byte("b")
	close(chB)

	doneB := make(chan struct{})
	q.Enqueue(chA, func() error { return errors.New("synth failed") }, nil)
	q.Enqueue(chB, nil, func() { close(doneB) })

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("second entry never completed after first entry's error")
	}
}
