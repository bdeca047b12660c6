package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultReadTimeout = 10 * time.Second
	maxJPEGSize        = 8 << 20
)

var errFrameTooLarge = errors.New("jpeg frame exceeds size limit")

// FFmpegOpener captures through an ffmpeg child process that writes an
// MJPEG image2pipe stream to stdout.
type FFmpegOpener struct {
	opts   SourceOptions
	binary string
}

// NewFFmpegOpener returns an opener using the ffmpeg binary on PATH.
func NewFFmpegOpener(opts SourceOptions) *FFmpegOpener {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	if opts.FPS <= 0 {
		opts.FPS = 10
	}

	return &FFmpegOpener{opts: opts, binary: "ffmpeg"}
}

// Open starts ffmpeg for uri.
func (o *FFmpegOpener) Open(ctx context.Context, uri string) (Stream, error) {
	if err := deviceExists(uri); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, uri, err)
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, o.binary, ffmpegArgs(uri, o.opts)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()

		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrConnectFailed, err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()

		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrConnectFailed, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()

		return nil, fmt.Errorf("%w: start ffmpeg: %w", ErrConnectFailed, err)
	}

	s := &ffmpegStream{
		cmd:     cmd,
		cancel:  cancel,
		reader:  bufio.NewReaderSize(stdout, 256*1024),
		timeout: o.opts.ReadTimeout,
		done:    make(chan struct{}),
	}

	// Drain stderr, keeping the last line for error reports.
	go func() {
		defer close(s.done)

		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				s.lastErr.Store(line)
			}
		}
	}()

	return s, nil
}

// ffmpegArgs builds the command line for the kind of source uri names.
func ffmpegArgs(uri string, opts SourceOptions) []string {
	fps := strconv.Itoa(opts.FPS)
	output := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-r", fps, "-q:v", "5", "-"}

	var input []string

	switch {
	case strings.HasPrefix(uri, "rtsp://"), strings.HasPrefix(uri, "rtsps://"):
		transport := opts.Transport
		if transport == "" {
			transport = "tcp"
		}

		input = []string{"-rtsp_transport", transport, "-i", uri}
	case isNetworkSource(uri):
		input = []string{"-i", uri}
	default:
		input = []string{"-f", "v4l2", "-framerate", fps, "-i", uri}
	}

	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, input...)

	return append(args, output...)
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	reader  *bufio.Reader
	timeout time.Duration
	seq     uint64
	lastErr atomic.Value
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// ReadFrame reads the next complete JPEG from ffmpeg. A read that stalls for
// longer than the timeout kills the process so the caller can reconnect.
func (s *ffmpegStream) ReadFrame(ctx context.Context) (Frame, error) {
	stall := time.AfterFunc(s.timeout, s.cancel)
	defer stall.Stop()

	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	data, err := readJPEG(s.reader)
	if err != nil {
		if last, ok := s.lastErr.Load().(string); ok {
			return Frame{}, fmt.Errorf("%w: %w (ffmpeg: %s)", ErrReadFailed, err, last)
		}

		return Frame{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}

	s.seq++

	return NewFrame(s.seq, time.Now(), data)
}

// Close kills ffmpeg and reaps it.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		err := s.cmd.Wait()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
			s.closeErr = err
		}
	})

	return s.closeErr
}

// readJPEG returns the bytes from the next SOI marker (FFD8) up to and
// including the following EOI marker (FFD9). Bytes before SOI are skipped.
func readJPEG(r *bufio.Reader) ([]byte, error) {
	var prev byte

	// Seek SOI.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		if prev == 0xFF && b == 0xD8 {
			break
		}

		prev = b
	}

	frame := make([]byte, 0, 64*1024)
	frame = append(frame, 0xFF, 0xD8)
	prev = 0

	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}

			return nil, err
		}

		frame = append(frame, b)
		if prev == 0xFF && b == 0xD9 {
			return frame, nil
		}

		if len(frame) > maxJPEGSize {
			return nil, errFrameTooLarge
		}

		prev = b
	}
}
