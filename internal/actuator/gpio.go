package actuator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// GPIO drives outputs through the sysfs interface under root,
// normally /sys/class/gpio.
type GPIO struct {
	root string
	pins map[Channel]int

	mu sync.Mutex
}

// OpenGPIO exports and configures the given pins as outputs, initially low.
func OpenGPIO(root string, pins Pins) (*GPIO, error) {
	g := &GPIO{root: root, pins: make(map[Channel]int)}

	for ch, pin := range map[Channel]int{ChannelAlert: pins.Alert, ChannelArmed: pins.Armed, ChannelAudible: pins.Buzzer} {
		if pin <= 0 {
			continue
		}

		if err := g.export(pin); err != nil {
			return nil, err
		}

		g.pins[ch] = pin
	}

	return g, nil
}

func (g *GPIO) export(pin int) error {
	dir := filepath.Join(g.root, "gpio"+strconv.Itoa(pin))

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		err := os.WriteFile(filepath.Join(g.root, "export"), []byte(strconv.Itoa(pin)), 0o600)
		if err != nil && !errors.Is(err, syscall.EBUSY) {
			return fmt.Errorf("%w: export pin %d: %w", ErrActuator, pin, err)
		}
	}

	// "low" sets the direction and drives the pin low in one write.
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("low"), 0o600); err != nil {
		return fmt.Errorf("%w: configure pin %d: %w", ErrActuator, pin, err)
	}

	return nil
}

// SetIndicator implements Panel. Channels without a pin are ignored.
func (g *GPIO) SetIndicator(_ context.Context, ch Channel, on bool) error {
	pin, ok := g.pins[ch]
	if !ok {
		return nil
	}

	value := []byte("0")
	if on {
		value = []byte("1")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	path := filepath.Join(g.root, "gpio"+strconv.Itoa(pin), "value")
	if err := os.WriteFile(path, value, 0o600); err != nil {
		return fmt.Errorf("%w: set %s (pin %d): %w", ErrActuator, ch, pin, err)
	}

	return nil
}

// PulseAudible implements Panel.
func (g *GPIO) PulseAudible(ctx context.Context, d time.Duration) error {
	return pulse(ctx, g.SetIndicator, d)
}

// Off implements Panel.
func (g *GPIO) Off(ctx context.Context) error {
	return off(ctx, g.SetIndicator)
}

// Close implements Panel. Pins are switched off and unexported.
func (g *GPIO) Close() error {
	err := g.Off(context.Background())

	for _, pin := range g.pins {
		_ = os.WriteFile(filepath.Join(g.root, "unexport"), []byte(strconv.Itoa(pin)), 0o600)
	}

	return err
}
