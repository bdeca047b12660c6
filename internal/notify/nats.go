package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"homeguard/internal/logger"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	Subject    string
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
}

// NATS publishes notifications as JSON on a subject.
type NATS struct {
	pub Publisher
	cfg NATSConfig
}

// natsMessage is the published payload.
type natsMessage struct {
	Notification
	HasSnapshot bool `json:"has_snapshot"`
}

// ConnectNATS dials the server at url.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return nc, nil
}

// NewNATS creates a sink publishing through pub.
func NewNATS(pub Publisher, cfg NATSConfig) *NATS {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	return &NATS{pub: pub, cfg: cfg}
}

// Name implements Sink.
func (s *NATS) Name() string {
	return "nats"
}

// Notify implements Sink. The subject counts as one recipient.
func (s *NATS) Notify(ctx context.Context, n Notification) (Delivery, error) {
	d := Delivery{Attempted: 1}

	data, err := json.Marshal(natsMessage{Notification: n, HasSnapshot: len(n.Snapshot) > 0})
	if err != nil {
		return d, fmt.Errorf("%w: marshal: %w", ErrNotification, err)
	}

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return d, fmt.Errorf("%w: nats: %w", ErrNotification, ctx.Err())
			case <-time.After(time.Duration(attempt) * s.cfg.RetryDelay):
			}
		}

		if err = s.pub.Publish(s.cfg.Subject, data); err == nil {
			d.Succeeded = 1

			return d, nil
		}

		logger.DebugKV(ctx, "NATS publish failed", "attempt", attempt+1, "error", err)
	}

	return d, fmt.Errorf("%w: nats publish failed after %d retries: %w", ErrNotification, s.cfg.MaxRetries, err)
}
