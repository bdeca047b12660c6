package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"strings"
	"time"
)

var (
	// ErrConnectFailed is returned when a source cannot be opened.
	ErrConnectFailed = errors.New("camera connect failed")
	// ErrReadFailed is returned when an open source stops producing frames.
	ErrReadFailed = errors.New("camera read failed")
)

// Frame is one captured image. Data holds the JPEG encoding at presentation
// resolution. Frames are never modified after capture; use Clone before
// handing one to a component that keeps it.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}

// NewFrame wraps JPEG data, reading its dimensions from the header.
func NewFrame(seq uint64, ts time.Time, data []byte) (Frame, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: invalid jpeg: %w", ErrReadFailed, err)
	}

	return Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Data:      data,
	}, nil
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	cp := f
	cp.Data = bytes.Clone(f.Data)

	return cp
}

// Empty reports whether the frame carries no image.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Decode returns the decoded image.
func (f Frame) Decode() (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(f.Data))
}

// Opener connects to a video source.
type Opener interface {
	// Open connects to uri. Errors wrap ErrConnectFailed.
	Open(ctx context.Context, uri string) (Stream, error)
}

// Stream is an open video source.
type Stream interface {
	// ReadFrame blocks until the next frame. Errors wrap ErrReadFailed.
	ReadFrame(ctx context.Context) (Frame, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// SourceOptions tune how a source is opened.
type SourceOptions struct {
	// FPS requested from the source.
	FPS int
	// Transport is the RTSP transport (tcp or udp).
	Transport string
	// ReadTimeout aborts a read that produced no frame for this long.
	ReadTimeout time.Duration
}

// NewOpener picks the capture implementation for uri: HTTP still-image
// endpoints are polled, everything else goes through ffmpeg.
func NewOpener(uri string, opts SourceOptions) Opener {
	if isHTTPImageEndpoint(uri) {
		return NewSnapshotOpener(opts)
	}

	return NewFFmpegOpener(opts)
}

// isNetworkSource checks if device is an HTTP/RTSP URL.
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://") ||
		strings.HasPrefix(device, "rtsps://")
}

func isHTTPImageEndpoint(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}

	lower := strings.ToLower(device)

	return strings.Contains(lower, ".jpg") ||
		strings.Contains(lower, ".jpeg") ||
		strings.Contains(lower, "snapshot") ||
		strings.Contains(lower, "image")
}

// deviceExists checks that a local capture device can be opened for reading.
// Network sources are verified when connecting.
func deviceExists(device string) error {
	if isNetworkSource(device) {
		return nil
	}

	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}

	return f.Close()
}
