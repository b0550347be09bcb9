package audio

import (
	"errors"
	"sync"
)

// ErrInputClosed is returned by [FrameBuffer.Push] once the buffer has been
// closed. Frames arriving after end-of-stream are rejected, never queued.
var ErrInputClosed = errors.New("audio: frame buffer input is closed")

// defaultFrameBufferCap is the default bounded queue depth. At 20 ms frames
// this is two seconds of audio headroom before the producer blocks.
const defaultFrameBufferCap = 100

// FrameBuffer is the bounded, single-producer, single-consumer queue between
// the inbound transport and the turn segmenter. Frames leave in arrival
// order, exactly once, with no duplication. When the consumer falls behind,
// Push blocks the producer (backpressure) rather than dropping audio.
//
// Close must be called by the producer goroutine (or after the producer has
// stopped pushing); a Push racing with Close may be rejected but never
// panics or drops an accepted frame.
type FrameBuffer struct {
	ch        chan Frame
	done      chan struct{}
	closeOnce sync.Once

	// pushMu serialises Push against Close so the channel is never closed
	// mid-send.
	pushMu sync.Mutex
}

// NewFrameBuffer creates a FrameBuffer with the given queue capacity.
// A capacity of 0 or less selects the default (100 frames).
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = defaultFrameBufferCap
	}
	return &FrameBuffer{
		ch:   make(chan Frame, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues a frame for the consumer, blocking while the buffer is full.
// It returns [ErrInputClosed] if Close has been called.
func (b *FrameBuffer) Push(frame Frame) error {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	select {
	case <-b.done:
		return ErrInputClosed
	default:
	}
	select {
	case b.ch <- frame:
		return nil
	case <-b.done:
		return ErrInputClosed
	}
}

// Frames returns the consumer side of the buffer. The channel yields frames in
// arrival order and is closed after Close once all queued frames are drained.
// The buffer supports exactly one consumer.
func (b *FrameBuffer) Frames() <-chan Frame {
	return b.ch
}

// Close signals end-of-stream. Queued frames remain readable; subsequent Push
// calls fail with [ErrInputClosed]. Close is idempotent and unblocks a Push
// that is waiting on a full buffer.
func (b *FrameBuffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		// Wait for any in-flight Push to observe done before closing the
		// frame channel.
		b.pushMu.Lock()
		defer b.pushMu.Unlock()
		close(b.ch)
	})
}
