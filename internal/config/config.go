package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"homeguard/internal/schedule"
)

// DefaultConfigFilename is used when no path is given.
const DefaultConfigFilename = "homeguard.yaml"

// DefaultFilePermissions applies to files written by Save.
const DefaultFilePermissions = 0o600

// Environment overrides for secrets, so they can stay out of the YAML file.
const (
	EnvTelegramToken = "HOMEGUARD_TELEGRAM_TOKEN"
	EnvCameraURI     = "HOMEGUARD_CAMERA_URI"
)

var (
	errConfigIsNotSet   = errors.New("configuration is not set")
	errCameraURI        = errors.New("camera.uri must be provided")
	errFPS              = errors.New("camera.fps must be between 1 and 60")
	errTransport        = errors.New("camera.transport must be tcp or udp")
	errBackend          = errors.New("hardware.backend must be simulated or gpio")
	errPins             = errors.New("hardware alert and armed pins must differ")
	errClipWindow       = errors.New("recording.clip_seconds must not exceed recording.buffer_seconds")
	errMinSeconds       = errors.New("recording.min_seconds must not exceed recording.clip_seconds")
	errFormat           = errors.New("recording.format must be mjpeg or mp4")
	errTelegram         = errors.New("notifications.telegram needs a token and at least one chat id")
	errNATS             = errors.New("notifications.nats needs url and subject")
	errWindowWithoutDay = errors.New("enabled schedule window has no days")
)

// Config is the full process configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel      string        `yaml:"log_level"`
	Camera        Camera        `yaml:"camera"`
	Detection     Detection     `yaml:"detection"`
	Hardware      Hardware      `yaml:"hardware"`
	Schedule      Schedule      `yaml:"schedule"`
	Recording     Recording     `yaml:"recording"`
	Notifications Notifications `yaml:"notifications"`
	Database      Database      `yaml:"database"`
	Server        Server        `yaml:"server"`
}

// Camera configures frame acquisition.
type Camera struct {
	// URI of the stream: rtsp://, http(s):// or a /dev/video* device.
	URI string `yaml:"uri"`
	// BufferSize is the number of frames queued between capture and analysis.
	BufferSize int `yaml:"buffer_size"`
	// FPS is the capture rate requested from the source.
	FPS int `yaml:"fps"`
	// MaxWidth caps the analysis resolution; wider frames are downscaled.
	MaxWidth int `yaml:"max_width"`
	// Transport is the RTSP transport, tcp or udp.
	Transport string `yaml:"transport"`
	// ReconnectDelay is the short backoff after a failure.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// MaxReconnectAttempts consecutive failures trigger the long backoff.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// Detection configures motion analysis and alarm debounce.
type Detection struct {
	MinArea       int           `yaml:"min_area"`
	Cooldown      time.Duration `yaml:"cooldown"`
	SkipFrames    int           `yaml:"skip_frames"`
	History       int           `yaml:"history"`
	Sensitivity   int           `yaml:"sensitivity"`
	DetectShadows bool          `yaml:"detect_shadows"`
	WarmupFrames  int           `yaml:"warmup_frames"`
	BlurRadius    int           `yaml:"blur_radius"`
}

// Hardware configures the actuator panel.
type Hardware struct {
	// Backend is simulated or gpio.
	Backend   string `yaml:"backend"`
	AlertPin  int    `yaml:"alert_pin"`
	ArmedPin  int    `yaml:"armed_pin"`
	BuzzerPin int    `yaml:"buzzer_pin"`
	// GPIORoot is the sysfs GPIO directory, overridable for tests.
	GPIORoot      string        `yaml:"gpio_root"`
	BlinkInterval time.Duration `yaml:"blink_interval"`
	PulseDuration time.Duration `yaml:"pulse_duration"`
}

// Schedule configures automatic arming.
type Schedule struct {
	// AlarmEnabled is the armed state at startup.
	AlarmEnabled  bool              `yaml:"alarm_enabled"`
	AutoSchedule  bool              `yaml:"auto_schedule"`
	CheckInterval time.Duration     `yaml:"check_interval"`
	Windows       []schedule.Window `yaml:"windows"`
}

// Recording configures the ring buffer and exported clips.
type Recording struct {
	Dir           string        `yaml:"dir"`
	BufferSeconds int           `yaml:"buffer_seconds"`
	ClipSeconds   int           `yaml:"clip_seconds"`
	ClipDelay     time.Duration `yaml:"clip_delay"`
	MinSeconds    int           `yaml:"min_seconds"`
	Format        string        `yaml:"format"`
	MaxClipBytes  int64         `yaml:"max_clip_bytes"`
	Retention     time.Duration `yaml:"retention"`
}

// Notifications configures the remote sinks.
type Notifications struct {
	Telegram Telegram `yaml:"telegram"`
	NATS     NATS     `yaml:"nats"`
	// Timeout bounds a single notification dispatch.
	Timeout time.Duration `yaml:"timeout"`
}

// Telegram configures the bot sink.
type Telegram struct {
	Enabled bool     `yaml:"enabled"`
	Token   string   `yaml:"token"`
	ChatIDs []string `yaml:"chat_ids"`
	APIURL  string   `yaml:"api_url"`
	// Commands lets the configured chats arm and disarm through bot commands.
	Commands bool `yaml:"commands"`
}

// NATS configures the message bus sink.
type NATS struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	MaxRetries int    `yaml:"max_retries"`
}

// Database configures the event store.
type Database struct {
	Path string `yaml:"path"`
}

// Server configures the listeners.
type Server struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	return Parse(contents)
}

// Parse decodes YAML contents, applies defaults and environment overrides and validates.
func Parse(contents []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save validates cfg and writes it to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Default returns a configuration with every option at its default value.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Camera: Camera{
			BufferSize:           1,
			FPS:                  10,
			MaxWidth:             640,
			Transport:            "tcp",
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: 5,
		},
		Detection: Detection{
			MinArea:       2000,
			Cooldown:      10 * time.Second,
			SkipFrames:    2,
			History:       500,
			Sensitivity:   25,
			DetectShadows: true,
			WarmupFrames:  5,
			BlurRadius:    2,
		},
		Hardware: Hardware{
			Backend:       "simulated",
			AlertPin:      23,
			ArmedPin:      24,
			GPIORoot:      "/sys/class/gpio",
			BlinkInterval: 500 * time.Millisecond,
			PulseDuration: 3 * time.Second,
		},
		Schedule: Schedule{
			AutoSchedule:  true,
			CheckInterval: 30 * time.Second,
		},
		Recording: Recording{
			Dir:           filepath.Join(os.TempDir(), "homeguard"),
			BufferSeconds: 15,
			ClipSeconds:   5,
			ClipDelay:     3 * time.Second,
			MinSeconds:    2,
			Format:        "mjpeg",
			MaxClipBytes:  50 << 20,
			Retention:     7 * 24 * time.Hour,
		},
		Notifications: Notifications{
			Telegram: Telegram{APIURL: "https://api.telegram.org"},
			NATS:     NATS{URL: "nats://127.0.0.1:4222", Subject: "homeguard.alarm", MaxRetries: 3},
			Timeout:  15 * time.Second,
		},
		Database: Database{Path: "homeguard.db"},
		Server: Server{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvTelegramToken); v != "" {
		cfg.Notifications.Telegram.Token = v
	}

	if v := os.Getenv(EnvCameraURI); v != "" {
		cfg.Camera.URI = v
	}
}

// Validate checks cfg and fills zero values that have a sensible default.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}

	validateDetection(&cfg.Detection)

	if err := validateHardware(&cfg.Hardware); err != nil {
		return err
	}

	if cfg.Schedule.CheckInterval <= 0 {
		cfg.Schedule.CheckInterval = schedule.DefaultInterval
	}

	for _, w := range cfg.Schedule.Windows {
		if w.Enabled && w.Days == 0 {
			return fmt.Errorf("%w: %s", errWindowWithoutDay, w.Name)
		}
	}

	if err := validateRecording(&cfg.Recording); err != nil {
		return err
	}

	if err := validateNotifications(&cfg.Notifications); err != nil {
		return err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "homeguard.db"
	}

	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}

	return nil
}

func validateCamera(c *Camera) error {
	if strings.TrimSpace(c.URI) == "" {
		return errCameraURI
	}

	if c.FPS < 1 || c.FPS > 60 {
		return errFPS
	}

	c.Transport = strings.ToLower(c.Transport)
	if c.Transport == "" {
		c.Transport = "tcp"
	}

	if c.Transport != "tcp" && c.Transport != "udp" {
		return errTransport
	}

	if c.BufferSize <= 0 {
		c.BufferSize = 1
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}

	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}

	return nil
}

func validateDetection(d *Detection) {
	if d.MinArea < 0 {
		d.MinArea = 0
	}

	if d.SkipFrames < 0 {
		d.SkipFrames = 0
	}

	if d.History <= 0 {
		d.History = 500
	}

	if d.Sensitivity <= 0 || d.Sensitivity > 255 {
		d.Sensitivity = 25
	}

	if d.WarmupFrames < 1 {
		d.WarmupFrames = 1
	}
}

func validateHardware(h *Hardware) error {
	switch h.Backend {
	case "":
		h.Backend = "simulated"
	case "simulated", "gpio":
	default:
		return errBackend
	}

	if h.AlertPin == h.ArmedPin {
		return errPins
	}

	if h.BlinkInterval <= 0 {
		h.BlinkInterval = 500 * time.Millisecond
	}

	if h.PulseDuration <= 0 {
		h.PulseDuration = 3 * time.Second
	}

	if h.GPIORoot == "" {
		h.GPIORoot = "/sys/class/gpio"
	}

	return nil
}

func validateRecording(r *Recording) error {
	if r.BufferSeconds <= 0 {
		r.BufferSeconds = 15
	}

	if r.ClipSeconds <= 0 {
		r.ClipSeconds = 5
	}

	if r.MinSeconds <= 0 {
		r.MinSeconds = 2
	}

	if r.ClipSeconds > r.BufferSeconds {
		return errClipWindow
	}

	if r.MinSeconds > r.ClipSeconds {
		return errMinSeconds
	}

	switch r.Format {
	case "":
		r.Format = "mjpeg"
	case "mjpeg", "mp4":
	default:
		return errFormat
	}

	if r.Dir == "" {
		r.Dir = filepath.Join(os.TempDir(), "homeguard")
	}

	return nil
}

func validateNotifications(n *Notifications) error {
	if n.Timeout <= 0 {
		n.Timeout = 15 * time.Second
	}

	if n.Telegram.Enabled {
		if n.Telegram.Token == "" || len(n.Telegram.ChatIDs) == 0 {
			return errTelegram
		}

		if _, err := url.Parse(n.Telegram.APIURL); err != nil || n.Telegram.APIURL == "" {
			n.Telegram.APIURL = "https://api.telegram.org"
		}
	}

	if n.NATS.Enabled && (n.NATS.URL == "" || n.NATS.Subject == "") {
		return errNATS
	}

	if n.NATS.MaxRetries < 0 {
		n.NATS.MaxRetries = 0
	}

	return nil
}
