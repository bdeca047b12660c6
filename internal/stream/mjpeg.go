package stream

import (
	"fmt"
	"net/http"
	"strconv"

	"homeguard/internal/logger"
)

// MJPEGHandler serves the hub as a multipart/x-mixed-replace stream.
type MJPEGHandler struct {
	hub     *Hub
	overlay bool
}

// NewMJPEGHandler creates a stream handler. With overlay set, marked regions
// are drawn on the frames.
func NewMJPEGHandler(hub *Hub, overlay bool) *MJPEGHandler {
	return &MJPEGHandler{hub: hub, overlay: overlay}
}

// ServeHTTP streams frames until the client disconnects.
func (s *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	frames, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	ctx := r.Context()
	logger.DebugKV(ctx, "stream client connected", "remote", r.RemoteAddr)

	// Send what we have right away so viewers don't stare at a blank page.
	if f, ok := s.hub.Current(); ok {
		if err := s.writePart(w, f.Data); err != nil {
			return
		}

		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			logger.DebugKV(ctx, "stream client disconnected", "remote", r.RemoteAddr)
			return
		case f := <-frames:
			if err := s.writePart(w, f.Data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func (s *MJPEGHandler) writePart(w http.ResponseWriter, data []byte) error {
	if s.overlay {
		if regions, label := s.hub.overlay(); len(regions) > 0 {
			data = DrawRegions(data, regions, label)
		}
	}

	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}

	if _, err := w.Write(data); err != nil {
		return err
	}

	_, err := w.Write([]byte("\r\n"))

	return err
}

// SnapshotHandler serves the latest frame as a single JPEG.
type SnapshotHandler struct {
	hub *Hub
}

// NewSnapshotHandler creates a snapshot handler.
func NewSnapshotHandler(hub *Hub) *SnapshotHandler {
	return &SnapshotHandler{hub: hub}
}

// ServeHTTP answers 503 until the first frame arrives.
func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f, ok := h.hub.Current()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(f.Data)
}
