package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxSnapshotBytes = 8 << 20

// SnapshotOpener polls an HTTP endpoint that serves one JPEG per request.
type SnapshotOpener struct {
	client   *http.Client
	interval time.Duration
}

// NewSnapshotOpener returns an opener polling at opts.FPS, at most every 100ms.
func NewSnapshotOpener(opts SourceOptions) *SnapshotOpener {
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}

	interval := 100 * time.Millisecond
	if opts.FPS > 0 && time.Second/time.Duration(opts.FPS) > interval {
		interval = time.Second / time.Duration(opts.FPS)
	}

	return &SnapshotOpener{
		client:   &http.Client{Timeout: timeout},
		interval: interval,
	}
}

// Open fetches one image to verify the endpoint.
func (o *SnapshotOpener) Open(ctx context.Context, uri string) (Stream, error) {
	s := &snapshotStream{client: o.client, uri: uri, interval: o.interval}

	first, err := s.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.pending = first
	s.next = time.Now().Add(o.interval)

	return s, nil
}

type snapshotStream struct {
	client   *http.Client
	uri      string
	interval time.Duration
	seq      uint64
	next     time.Time
	pending  []byte
}

func (s *snapshotStream) ReadFrame(ctx context.Context) (Frame, error) {
	data := s.pending
	s.pending = nil

	if data == nil {
		if wait := time.Until(s.next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()

				return Frame{}, fmt.Errorf("%w: %w", ErrReadFailed, ctx.Err())
			case <-timer.C:
			}
		}

		s.next = time.Now().Add(s.interval)

		var err error
		if data, err = s.fetch(ctx); err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
		}
	}

	s.seq++

	return NewFrame(s.seq, time.Now(), data)
}

func (s *snapshotStream) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.uri, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
}

func (s *snapshotStream) Close() error {
	s.client.CloseIdleConnections()

	return nil
}
