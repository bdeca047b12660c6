package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const sample = `
log_level: debug
camera:
  uri: rtsp://cam.local/stream1
  fps: 12
  reconnect_delay: 2s
detection:
  min_area: 5000
  cooldown: 10s
hardware:
  backend: gpio
  buzzer_pin: 25
schedule:
  auto_schedule: true
  windows:
    - name: Noche
      days: [0, 1, 2, 3, 4]
      start: "22:00"
      end: "06:00"
notifications:
  telegram:
    enabled: true
    token: abc
    chat_ids: ["1001", "1002"]
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "homeguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

// TestLoadAppliesDefaults keeps explicit values and fills the rest.
func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, t.TempDir(), sample))
	require.NoError(t, err)

	require.Equal(t, "rtsp://cam.local/stream1", cfg.Camera.URI)
	require.Equal(t, 12, cfg.Camera.FPS)
	require.Equal(t, 2*time.Second, cfg.Camera.ReconnectDelay)
	require.Equal(t, 5, cfg.Camera.MaxReconnectAttempts)
	require.Equal(t, "tcp", cfg.Camera.Transport)

	require.Equal(t, 5000, cfg.Detection.MinArea)
	require.Equal(t, 2, cfg.Detection.SkipFrames)

	require.Equal(t, "gpio", cfg.Hardware.Backend)
	require.Equal(t, 23, cfg.Hardware.AlertPin)
	require.Equal(t, 24, cfg.Hardware.ArmedPin)
	require.Equal(t, 25, cfg.Hardware.BuzzerPin)

	require.Len(t, cfg.Schedule.Windows, 1)
	require.True(t, cfg.Schedule.Windows[0].Enabled)
	require.Equal(t, 30*time.Second, cfg.Schedule.CheckInterval)

	require.Equal(t, 15, cfg.Recording.BufferSeconds)
	require.Equal(t, []string{"1001", "1002"}, cfg.Notifications.Telegram.ChatIDs)
	require.Equal(t, "https://api.telegram.org", cfg.Notifications.Telegram.APIURL)
}

// TestValidateRejects lists configurations that must not load.
func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"missing uri":     func(c *Config) { c.Camera.URI = "" },
		"bad fps":         func(c *Config) { c.Camera.FPS = 0 },
		"bad transport":   func(c *Config) { c.Camera.Transport = "sctp" },
		"bad backend":     func(c *Config) { c.Hardware.Backend = "serial" },
		"same pins":       func(c *Config) { c.Hardware.ArmedPin = c.Hardware.AlertPin },
		"clip too long":   func(c *Config) { c.Recording.ClipSeconds = 30 },
		"bad format":      func(c *Config) { c.Recording.Format = "avi" },
		"telegram no ids": func(c *Config) { c.Notifications.Telegram = Telegram{Enabled: true, Token: "x"} },
		"nats no subject": func(c *Config) { c.Notifications.NATS = NATS{Enabled: true, URL: "nats://x"} },
	}

	for name, mutate := range cases {
		cfg := Default()
		cfg.Camera.URI = "rtsp://cam"
		mutate(cfg)
		require.Error(t, Validate(cfg), name)
	}

	require.Error(t, Validate(nil))
}

// TestParseRejectsWindowWithoutDays reports enabled windows that can never match.
func TestParseRejectsWindowWithoutDays(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("camera: {uri: rtsp://cam}\nschedule:\n  windows:\n    - name: empty\n"))
	require.ErrorIs(t, err, errWindowWithoutDay)
}

// TestSaveRoundTrip writes a configuration and reads it back.
func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

// TestWatchReloadsOnWrite delivers a new configuration after the file changes.
func TestWatchReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	path := writeConfig(t, dir, sample)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 4)
	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c })
	}()

	updated := sample + "\nrecording:\n  clip_seconds: 4\n"

	var got *Config

	require.Eventually(t, func() bool {
		// Rewrite until the watcher has registered and picked the change up.
		_ = os.WriteFile(path, []byte(updated), 0o600)

		select {
		case got = <-changes:
			return true
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 4, got.Recording.ClipSeconds)

	cancel()
	require.NoError(t, <-done)
}
