package actuator

import (
	"context"
	"sync"
	"time"

	"homeguard/internal/logger"
)

// Simulated keeps channel states in memory and logs every change.
type Simulated struct {
	mu      sync.Mutex
	state   map[Channel]bool
	changes map[Channel]int
	fail    error
}

// NewSimulated returns a panel with every channel off.
func NewSimulated() *Simulated {
	return &Simulated{
		state:   make(map[Channel]bool),
		changes: make(map[Channel]int),
	}
}

// SetIndicator implements Panel.
func (s *Simulated) SetIndicator(ctx context.Context, ch Channel, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}

	if s.state[ch] == on {
		return nil
	}

	s.state[ch] = on
	s.changes[ch]++

	logger.DebugKV(ctx, "Simulated output", "channel", ch, "on", on)

	return nil
}

// PulseAudible implements Panel.
func (s *Simulated) PulseAudible(ctx context.Context, d time.Duration) error {
	return pulse(ctx, s.SetIndicator, d)
}

// Off implements Panel.
func (s *Simulated) Off(ctx context.Context) error {
	return off(ctx, s.SetIndicator)
}

// Close implements Panel.
func (s *Simulated) Close() error {
	return s.Off(context.Background())
}

// State reports whether ch is on.
func (s *Simulated) State(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state[ch]
}

// Changes returns how many times ch switched.
func (s *Simulated) Changes(ch Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.changes[ch]
}

// AnyOn reports whether some channel is on.
func (s *Simulated) AnyOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, on := range s.state {
		if on {
			return true
		}
	}

	return false
}

// FailWith makes every subsequent operation return err; nil restores normal operation.
func (s *Simulated) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = err
}
