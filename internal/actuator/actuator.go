// Package actuator drives the physical alarm outputs: the armed and alert
// indicators and an optional audible buzzer.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrActuator wraps every output failure.
var ErrActuator = errors.New("actuator failure")

// Channel names one output.
type Channel string

// Known channels.
const (
	// ChannelArmed is lit steadily while the alarm is enabled.
	ChannelArmed Channel = "armed"
	// ChannelAlert blinks while the alarm is triggered.
	ChannelAlert Channel = "alert"
	// ChannelAudible sounds during a pulse.
	ChannelAudible Channel = "audible"
)

// Channels lists every channel, in the order Off switches them.
var Channels = []Channel{ChannelAudible, ChannelAlert, ChannelArmed}

// Backends.
const (
	BackendSimulated = "simulated"
	BackendGPIO      = "gpio"
)

// Panel is a set of outputs. Operations are idempotent and safe for
// concurrent use.
type Panel interface {
	// SetIndicator switches one channel.
	SetIndicator(ctx context.Context, ch Channel, on bool) error
	// PulseAudible sounds the audible channel for d, or until ctx is done.
	// The channel is always switched off before returning.
	PulseAudible(ctx context.Context, d time.Duration) error
	// Off switches every channel off.
	Off(ctx context.Context) error
	// Close releases the outputs, leaving them off.
	Close() error
}

// Pins maps channels to BCM GPIO numbers. A zero pin disables the channel.
type Pins struct {
	Alert  int
	Armed  int
	Buzzer int
}

// New opens the named backend. root is the sysfs GPIO directory, used only
// by the gpio backend.
func New(backend string, pins Pins, root string) (Panel, error) {
	switch backend {
	case "", BackendSimulated:
		return NewSimulated(), nil
	case BackendGPIO:
		return OpenGPIO(root, pins)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrActuator, backend)
	}
}

// pulse switches ch on for d and always switches it off again.
func pulse(ctx context.Context, set func(context.Context, Channel, bool) error, d time.Duration) (err error) {
	if err := set(ctx, ChannelAudible, true); err != nil {
		return err
	}

	defer func() {
		// The caller's context may already be done; the output must still go off.
		if offErr := set(context.WithoutCancel(ctx), ChannelAudible, false); offErr != nil && err == nil {
			err = offErr
		}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	return nil
}

// off switches every channel off and reports the first failure.
func off(ctx context.Context, set func(context.Context, Channel, bool) error) error {
	var errs []error

	for _, ch := range Channels {
		if err := set(ctx, ch, false); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
