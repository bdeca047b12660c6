// Package stream serves the most recent camera frame to viewers.
package stream

import (
	"image"
	"sync"
	"time"

	"homeguard/internal/camera"
)

// DefaultOverlayHold is how long detected regions stay drawn on the stream.
const DefaultOverlayHold = time.Second

// Hub holds the latest frame and fans it out to stream clients.
type Hub struct {
	hold time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	current camera.Frame
	has     bool
	regions []image.Rectangle
	label   string
	markAt  time.Time

	clientsMu sync.RWMutex
	clients   map[chan camera.Frame]struct{}
}

// NewHub creates an empty hub. Regions passed to Mark are drawn for hold;
// a zero hold selects DefaultOverlayHold.
func NewHub(hold time.Duration) *Hub {
	if hold <= 0 {
		hold = DefaultOverlayHold
	}

	return &Hub{
		hold:    hold,
		now:     time.Now,
		clients: make(map[chan camera.Frame]struct{}),
	}
}

// Publish stores a copy of f as the current frame and offers it to every
// connected client. Slow clients miss frames.
func (h *Hub) Publish(f camera.Frame) {
	f = f.Clone()

	h.mu.Lock()
	h.current = f
	h.has = true
	h.mu.Unlock()

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- f:
		default:
		}
	}
}

// Current returns a copy of the latest frame, or false before the first one.
func (h *Hub) Current() (camera.Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.has {
		return camera.Frame{}, false
	}

	return h.current.Clone(), true
}

// Mark records regions to draw over the next frames.
func (h *Hub) Mark(regions []image.Rectangle, label string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.regions = append(h.regions[:0:0], regions...)
	h.label = label
	h.markAt = h.now()
}

// overlay returns the regions still within their hold time.
func (h *Hub) overlay() ([]image.Rectangle, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.regions) == 0 || h.now().Sub(h.markAt) > h.hold {
		return nil, ""
	}

	return h.regions, h.label
}

// Clients returns the number of connected stream clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	return len(h.clients)
}

func (h *Hub) subscribe() (<-chan camera.Frame, func()) {
	ch := make(chan camera.Frame, 5)

	h.clientsMu.Lock()
	h.clients[ch] = struct{}{}
	h.clientsMu.Unlock()

	return ch, func() {
		h.clientsMu.Lock()
		delete(h.clients, ch)
		h.clientsMu.Unlock()
	}
}
