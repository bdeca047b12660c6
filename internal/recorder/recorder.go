package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"

	"homeguard/internal/camera"
	"homeguard/internal/logger"
	"homeguard/internal/metrics"
)

// Clip formats.
const (
	FormatMJPEG = "mjpeg"
	FormatMP4   = "mp4"
)

// Oversized clips are re-encoded at this resolution.
const (
	compactWidth   = 640
	compactHeight  = 480
	compactQuality = 70
)

const clipPrefix = "motion_"

// Clip describes an exported file.
type Clip struct {
	ID        uuid.UUID `json:"id"`
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	Frames    int       `json:"frames"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configure a Recorder.
type Options struct {
	// Dir receives the clips.
	Dir string
	// Format is FormatMJPEG or FormatMP4.
	Format string
	// MaxClipBytes triggers a reduced-resolution re-encode; 0 disables it.
	MaxClipBytes int64
	// FFmpegPath locates ffmpeg for mp4 clips.
	FFmpegPath string
}

// Recorder writes clips from a RingBuffer.
type Recorder struct {
	buf  *RingBuffer
	opts Options
	now  func() time.Time
}

// New creates a recorder. The output directory is created on first export.
func New(buf *RingBuffer, opts Options) *Recorder {
	if opts.Format == "" {
		opts.Format = FormatMJPEG
	}

	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}

	return &Recorder{buf: buf, opts: opts, now: time.Now}
}

// Buffer returns the underlying ring buffer.
func (r *Recorder) Buffer() *RingBuffer {
	return r.buf
}

// Export writes the last seconds of footage to a new clip. It fails with
// ErrInsufficientFrames when the buffer is too short.
func (r *Recorder) Export(ctx context.Context, seconds int) (Clip, error) {
	frames, err := r.buf.ExportWindow(seconds)
	if err != nil {
		return Clip{}, err
	}

	if err := os.MkdirAll(r.opts.Dir, 0o750); err != nil {
		return Clip{}, fmt.Errorf("create clip dir: %w", err)
	}

	created := r.now()
	id := uuid.New()
	name := fmt.Sprintf("%s%s_%s.%s", clipPrefix, created.Format("20060102_150405"), id.String()[:8], r.extension())
	path := filepath.Join(r.opts.Dir, name)

	payload := joinFrames(frames)

	if r.opts.MaxClipBytes > 0 && int64(len(payload)) > r.opts.MaxClipBytes {
		logger.WarnKV(ctx, "Clip too large, re-encoding at reduced resolution",
			"bytes", len(payload), "limit", r.opts.MaxClipBytes)

		payload, err = compact(frames)
		if err != nil {
			return Clip{}, err
		}
	}

	switch r.opts.Format {
	case FormatMP4:
		err = r.writeMP4(ctx, path, payload)
	default:
		err = writeAtomic(path, payload)
	}

	if err != nil {
		return Clip{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Clip{}, fmt.Errorf("stat clip: %w", err)
	}

	metrics.RecordClip(r.opts.Format, info.Size())

	return Clip{
		ID:        id,
		Path:      path,
		Format:    r.opts.Format,
		Frames:    len(frames),
		Bytes:     info.Size(),
		CreatedAt: created,
	}, nil
}

// Prune removes clips older than maxAge and returns how many were deleted.
func (r *Recorder) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.opts.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("list clips: %w", err)
	}

	cutoff := r.now().Add(-maxAge)
	removed := 0

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), clipPrefix) {
			continue
		}

		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(r.opts.Dir, e.Name())); err != nil {
			logger.WarnKV(ctx, "Cannot remove expired clip", "name", e.Name(), "error", err)
			continue
		}

		removed++
	}

	return removed, nil
}

func (r *Recorder) extension() string {
	if r.opts.Format == FormatMP4 {
		return "mp4"
	}

	return "mjpeg"
}

// writeMP4 pipes the MJPEG payload through ffmpeg into an H.264 file.
func (r *Recorder) writeMP4(ctx context.Context, path string, payload []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending clip: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // nothing left to do once committed.

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "mjpeg", "-framerate", strconv.Itoa(r.buf.FPS()), "-i", "pipe:0",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart",
		"-f", "mp4", "-y", pending.Name(),
	}

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, r.opts.FFmpegPath, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit clip: %w", err)
	}

	return nil
}

func writeAtomic(path string, payload []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending clip: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // nothing left to do once committed.

	if _, err := pending.Write(payload); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit clip: %w", err)
	}

	return nil
}

// joinFrames concatenates JPEG frames into an MJPEG elementary stream.
func joinFrames(frames []camera.Frame) []byte {
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}

	out := make([]byte, 0, size)
	for _, f := range frames {
		out = append(out, f.Data...)
	}

	return out
}

// compact re-encodes every frame at the reduced resolution.
func compact(frames []camera.Frame) ([]byte, error) {
	var buf bytes.Buffer

	dst := image.NewRGBA(image.Rect(0, 0, compactWidth, compactHeight))

	for _, f := range frames {
		img, err := f.Decode()
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", f.Seq, err)
		}

		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: compactQuality}); err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
		}
	}

	return buf.Bytes(), nil
}
