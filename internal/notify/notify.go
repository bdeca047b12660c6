// Package notify delivers alarm notifications to remote recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"homeguard/internal/metrics"
)

// ErrNotification is wrapped by every delivery failure.
var ErrNotification = errors.New("notification failed")

// Kind classifies a notification.
type Kind string

// Notification kinds.
const (
	// KindAlert is sent when the alarm first triggers.
	KindAlert Kind = "alert"
	// KindClip carries an exported clip.
	KindClip Kind = "clip"
	// KindStatus reports the alarm being armed or disarmed.
	KindStatus Kind = "status"
)

// Notification is one message to deliver.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	// Snapshot is an optional JPEG attachment.
	Snapshot []byte `json:"-"`
	// ClipPath is an optional video attachment.
	ClipPath string `json:"clip_path,omitempty"`
}

// New returns a notification with a fresh ID stamped at now.
func New(kind Kind, title, message string, now time.Time) Notification {
	return Notification{
		ID:        uuid.New(),
		Kind:      kind,
		Title:     title,
		Message:   message,
		Timestamp: now,
	}
}

// Delivery counts per-recipient outcomes.
type Delivery struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

// Failed returns the number of recipients that were not reached.
func (d Delivery) Failed() int {
	return d.Attempted - d.Succeeded
}

// Add sums two deliveries.
func (d Delivery) Add(o Delivery) Delivery {
	return Delivery{Attempted: d.Attempted + o.Attempted, Succeeded: d.Succeeded + o.Succeeded}
}

// Sink delivers notifications. A delivery that reached nobody returns an
// error wrapping ErrNotification alongside the counts.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) (Delivery, error)
}

// Multi fans a notification out to several sinks concurrently.
type Multi []Sink

// Name implements Sink.
func (m Multi) Name() string {
	return "multi"
}

// Notify implements Sink. It succeeds when at least one recipient of any
// sink was reached.
func (m Multi) Notify(ctx context.Context, n Notification) (Delivery, error) {
	var (
		mu    sync.Mutex
		total Delivery
		errs  []error
		g     errgroup.Group
	)

	for _, sink := range m {
		g.Go(func() error {
			d, err := sink.Notify(ctx, n)
			metrics.RecordDeliveries(sink.Name(), d.Succeeded, d.Failed())

			mu.Lock()
			defer mu.Unlock()

			total = total.Add(d)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			}

			return nil
		})
	}

	_ = g.Wait()

	if total.Succeeded == 0 && len(errs) > 0 {
		return total, fmt.Errorf("%w: %w", ErrNotification, errors.Join(errs...))
	}

	return total, nil
}
