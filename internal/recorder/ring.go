// Package recorder keeps the most recent frames in memory and exports them
// as clips when the alarm fires.
package recorder

import (
	"errors"
	"fmt"
	"sync"

	"homeguard/internal/camera"
	"homeguard/internal/metrics"
)

// ErrInsufficientFrames is returned when the buffer holds too little footage.
var ErrInsufficientFrames = errors.New("insufficient frames")

// RingBuffer is a fixed-capacity FIFO of frames. The oldest frame is evicted
// when a new one arrives at capacity.
type RingBuffer struct {
	fps       int
	minFrames int

	mu     sync.Mutex
	frames []camera.Frame
	start  int
	n      int
}

// NewRingBuffer sizes the buffer for seconds of footage at fps. Exports
// shorter than minSeconds are refused.
func NewRingBuffer(fps, seconds, minSeconds int) *RingBuffer {
	fps = max(fps, 1)
	seconds = max(seconds, 1)

	return &RingBuffer{
		fps:       fps,
		minFrames: max(minSeconds, 0) * fps,
		frames:    make([]camera.Frame, fps*seconds),
	}
}

// Append stores a copy of f.
func (b *RingBuffer) Append(f camera.Frame) {
	f = f.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n < len(b.frames) {
		b.frames[(b.start+b.n)%len(b.frames)] = f
		b.n++
	} else {
		b.frames[b.start] = f
		b.start = (b.start + 1) % len(b.frames)
	}

	metrics.SetBufferedFrames(b.n)
}

// Len returns the number of buffered frames.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.n
}

// Capacity returns the maximum number of buffered frames.
func (b *RingBuffer) Capacity() int {
	return len(b.frames)
}

// FPS returns the frame rate the buffer was sized for.
func (b *RingBuffer) FPS() int {
	return b.fps
}

// ExportWindow returns the most recent seconds of footage, oldest first.
// The frames are taken under a single lock so the window is consistent.
func (b *RingBuffer) ExportWindow(seconds int) ([]camera.Frame, error) {
	want := max(seconds, 0) * b.fps

	b.mu.Lock()
	defer b.mu.Unlock()

	take := min(want, b.n)
	if take == 0 || take < b.minFrames {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFrames, take, max(b.minFrames, 1))
	}

	out := make([]camera.Frame, take)
	first := b.start + b.n - take

	for i := range take {
		out[i] = b.frames[(first+i)%len(b.frames)]
	}

	return out, nil
}

// Reset drops every buffered frame.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.frames)
	b.start, b.n = 0, 0

	metrics.SetBufferedFrames(0)
}
