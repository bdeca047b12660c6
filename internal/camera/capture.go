package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"homeguard/internal/logger"
	"homeguard/internal/metrics"
)

// FrameHandler consumes captured frames. It runs on the capture goroutine
// and must not block for long.
type FrameHandler interface {
	HandleFrame(ctx context.Context, f Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, f Frame)

// HandleFrame calls fn.
func (fn FrameHandlerFunc) HandleFrame(ctx context.Context, f Frame) {
	fn(ctx, f)
}

// StatusObserver is told when the capture loop gains or loses the camera.
type StatusObserver interface {
	CameraStatus(connected bool)
}

// Stats describes the capture loop.
type Stats struct {
	Connected      bool      `json:"connected"`
	Failures       int       `json:"consecutive_failures"`
	Reconnects     uint64    `json:"reconnects"`
	FramesCaptured uint64    `json:"frames_captured"`
	LastFrameAt    time.Time `json:"last_frame_at"`
	LastError      string    `json:"last_error,omitempty"`
}

// Capturer owns the connection to the camera: it reads frames, hands them
// to the handler and reconnects with backoff on every failure. It never
// gives up; only context cancellation stops it.
type Capturer struct {
	opener   Opener
	uri      string
	policy   ReconnectPolicy
	handler  FrameHandler
	observer StatusObserver

	// sleep waits for d or until ctx is done, reporting whether it waited fully.
	sleep func(ctx context.Context, d time.Duration) bool

	mu    sync.RWMutex
	stats Stats
}

// NewCapturer creates a capture loop for uri.
func NewCapturer(opener Opener, uri string, policy ReconnectPolicy, handler FrameHandler) *Capturer {
	return &Capturer{
		opener:  opener,
		uri:     uri,
		policy:  policy,
		handler: handler,
		sleep:   sleepContext,
	}
}

// SetObserver registers an observer for connection changes. Call before Run.
func (c *Capturer) SetObserver(o StatusObserver) {
	c.observer = o
}

// Stats returns a snapshot of the loop statistics.
func (c *Capturer) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.stats
}

// Run captures until ctx is done.
func (c *Capturer) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "capture")
	logger.InfoKV(ctx, "Capture loop started", "uri", redact(c.uri))

	var (
		stream   Stream
		failures int
	)

	defer func() {
		if stream != nil {
			_ = stream.Close()
		}

		c.setConnected(false)
		logger.Info(ctx, "Capture loop stopped")
	}()

	for ctx.Err() == nil {
		if stream == nil {
			s, err := c.opener.Open(ctx, c.uri)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				metrics.RecordCaptureFailure("connect")

				failures = c.fail(ctx, failures, err)

				continue
			}

			stream = s
		}

		frame, err := stream.ReadFrame(ctx)
		if err != nil {
			_ = stream.Close()
			stream = nil

			if ctx.Err() != nil {
				return nil
			}

			metrics.RecordCaptureFailure("read")

			failures = c.fail(ctx, failures, err)

			continue
		}

		failures = 0
		metrics.RecordFrame()
		c.recordFrame(frame)
		c.handler.HandleFrame(ctx, frame)
	}

	return nil
}

// fail records a failure, waits out the backoff and returns the updated
// consecutive failure count. The count restarts after a long backoff.
func (c *Capturer) fail(ctx context.Context, failures int, err error) int {
	failures++

	wait, long := c.policy.Backoff(failures)

	c.mu.Lock()
	c.stats.Failures = failures
	c.stats.LastError = err.Error()
	c.stats.Reconnects++
	c.mu.Unlock()

	c.setConnected(false)

	kind := "read"
	if errors.Is(err, ErrConnectFailed) {
		kind = "connect"
	}

	logger.WarnKV(ctx, "Camera failure, reconnecting",
		"kind", kind,
		"error", err,
		"consecutive_failures", failures,
		"wait", wait,
		"long_backoff", long,
	)

	c.sleep(ctx, wait)

	if long {
		return 0
	}

	return failures
}

func (c *Capturer) recordFrame(f Frame) {
	c.mu.Lock()
	c.stats.Failures = 0
	c.stats.FramesCaptured++
	c.stats.LastFrameAt = f.Timestamp
	c.stats.LastError = ""
	c.mu.Unlock()

	c.setConnected(true)
}

func (c *Capturer) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.stats.Connected != connected
	c.stats.Connected = connected
	c.mu.Unlock()

	if changed && c.observer != nil {
		c.observer.CameraStatus(connected)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
