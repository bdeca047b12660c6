// Package services assembles the runtime: it connects the camera to motion
// analysis and the alarm engine, runs the background loops under one
// supervisor and owns the shutdown sequence.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"homeguard/internal/actuator"
	"homeguard/internal/alarm"
	"homeguard/internal/api"
	"homeguard/internal/camera"
	"homeguard/internal/config"
	"homeguard/internal/database"
	"homeguard/internal/health"
	"homeguard/internal/logger"
	"homeguard/internal/motion"
	"homeguard/internal/notify"
	"homeguard/internal/recorder"
	"homeguard/internal/schedule"
	"homeguard/internal/stream"
	"homeguard/internal/telegram"
	"homeguard/internal/ws"
)

// DefaultPruneInterval is the period of clip retention sweeps.
const DefaultPruneInterval = time.Hour

// Options override collaborators chosen from the configuration.
type Options struct {
	// ConfigPath is watched for changes; empty disables reloading.
	ConfigPath string
	// Opener replaces the camera source picked from the URI.
	Opener camera.Opener
	// Panel replaces the configured actuator backend.
	Panel actuator.Panel
	// Sinks replace the configured notification sinks.
	Sinks []notify.Sink
	// PruneInterval defaults to DefaultPruneInterval.
	PruneInterval time.Duration
}

// System is one running alarm controller.
type System struct {
	cfg  *config.Config
	opts Options
	ctx  context.Context

	store     *database.Store
	panel     actuator.Panel
	natsConn  *nats.Conn
	bot       *notify.Telegram
	engine    *alarm.Engine
	evaluator *schedule.Evaluator
	capturer  *camera.Capturer
	detector  *motion.Detector
	recorder  *recorder.Recorder
	frames    *stream.Hub
	sockets   *ws.Hub
	health    *health.Checker

	analysis    chan camera.Frame
	unsubscribe func()

	mu     sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
	runErr error

	closeOnce sync.Once
	closeErr  error
}

// New builds a system from a validated configuration. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*System, error) {
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}

	ctx = logger.WithName(ctx, "system")

	store, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	panel := opts.Panel
	if panel == nil {
		hw := cfg.Hardware

		panel, err = actuator.New(hw.Backend, actuator.Pins{Alert: hw.AlertPin, Armed: hw.ArmedPin, Buzzer: hw.BuzzerPin}, hw.GPIORoot)
		if err != nil {
			_ = store.Close()

			return nil, fmt.Errorf("open actuators: %w", err)
		}
	}

	s := &System{
		cfg:      cfg,
		opts:     opts,
		ctx:      ctx,
		store:    store,
		panel:    panel,
		frames:   stream.NewHub(0),
		sockets:  ws.NewHub(),
		health:   health.New(),
		analysis: make(chan camera.Frame, max(cfg.Camera.BufferSize, 1)),
	}

	buf := recorder.NewRingBuffer(cfg.Camera.FPS, cfg.Recording.BufferSeconds, cfg.Recording.MinSeconds)
	s.recorder = recorder.New(buf, recorder.Options{
		Dir:          cfg.Recording.Dir,
		Format:       cfg.Recording.Format,
		MaxClipBytes: cfg.Recording.MaxClipBytes,
	})

	deps := alarm.Deps{Panel: panel, Store: store, Clips: s.recorder}
	if sinks := s.sinks(ctx); len(sinks) > 0 {
		deps.Notifier = notify.Multi(sinks)
	}

	s.engine = alarm.New(ctx, deps, alarm.Options{
		Timing:         timing(cfg),
		InitialEnabled: cfg.Schedule.AlarmEnabled,
		ClipSeconds:    cfg.Recording.ClipSeconds,
		ClipDelay:      cfg.Recording.ClipDelay,
	})
	s.unsubscribe = s.engine.Subscribe(s.sockets.PublishState)

	s.evaluator = schedule.NewEvaluator(s.engine.Scheduled(), schedule.Table(cfg.Schedule.Windows), schedule.Options{
		Auto:     cfg.Schedule.AutoSchedule,
		Interval: cfg.Schedule.CheckInterval,
	})

	d := cfg.Detection
	s.detector = motion.NewDetector(motion.Config{
		MinArea:       d.MinArea,
		SkipFrames:    d.SkipFrames,
		History:       d.History,
		Sensitivity:   d.Sensitivity,
		DetectShadows: d.DetectShadows,
		WarmupFrames:  d.WarmupFrames,
		BlurRadius:    d.BlurRadius,
		MaxWidth:      cfg.Camera.MaxWidth,
	}, nil)

	opener := opts.Opener
	if opener == nil {
		opener = camera.NewOpener(cfg.Camera.URI, camera.SourceOptions{FPS: cfg.Camera.FPS, Transport: cfg.Camera.Transport})
	}

	s.capturer = camera.NewCapturer(opener, cfg.Camera.URI, camera.ReconnectPolicy{
		Delay:       cfg.Camera.ReconnectDelay,
		MaxAttempts: cfg.Camera.MaxReconnectAttempts,
	}, camera.FrameHandlerFunc(s.handleFrame))
	s.capturer.SetObserver(s)

	return s, nil
}

// sinks builds the configured notification sinks. An unreachable NATS
// server disables that sink rather than failing startup.
func (s *System) sinks(ctx context.Context) []notify.Sink {
	if s.opts.Sinks != nil {
		return s.opts.Sinks
	}

	n := s.cfg.Notifications

	var sinks []notify.Sink

	if n.Telegram.Enabled {
		s.bot = notify.NewTelegram(notify.TelegramConfig{
			Token:   n.Telegram.Token,
			ChatIDs: n.Telegram.ChatIDs,
			APIURL:  n.Telegram.APIURL,
			Timeout: n.Timeout,
		})
		sinks = append(sinks, s.bot)
	}

	if n.NATS.Enabled {
		nc, err := notify.ConnectNATS(n.NATS.URL, "homeguard")
		if err != nil {
			logger.WarnKV(ctx, "NATS sink disabled", "error", err)
		} else {
			s.natsConn = nc
			sinks = append(sinks, notify.NewNATS(nc, notify.NATSConfig{Subject: n.NATS.Subject, MaxRetries: n.NATS.MaxRetries}))
		}
	}

	return sinks
}

// Engine returns the alarm engine.
func (s *System) Engine() *alarm.Engine {
	return s.engine
}

// Handler returns the HTTP control surface.
func (s *System) Handler(ctx context.Context) http.Handler {
	return api.NewRouter(ctx, api.Deps{
		Alarm:    s.engine,
		Events:   s.store,
		Schedule: s.evaluator,
		Camera:   s.capturer,
		Video:    stream.NewMJPEGHandler(s.frames, true),
		Snapshot: stream.NewSnapshotHandler(s.frames),
		Socket:   s.sockets,
	})
}

// Run starts every loop and the listeners and blocks until ctx is done or
// a loop fails. It then shuts the system down within the configured timeout.
func (s *System) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "system")
	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return s.capturer.Run(gctx) })
	g.Go(func() error { return s.analyze(gctx) })
	g.Go(func() error { return s.evaluator.Run(gctx) })
	g.Go(func() error { return s.prune(gctx) })

	if path := s.opts.ConfigPath; path != "" {
		g.Go(func() error { return config.Watch(gctx, path, s.reload) })
	}

	if s.bot != nil && s.cfg.Notifications.Telegram.Commands {
		cmds := telegram.NewCommands(s.bot, telegram.Deps{
			Alarm:    s.engine,
			Events:   s.store,
			Schedule: s.evaluator,
		}, telegram.Options{
			ChatIDs: s.bot.ChatIDs(),
			// The long poll has to finish within the client timeout.
			Wait: max(s.cfg.Notifications.Timeout-5*time.Second, time.Second),
		})

		g.Go(func() error { return cmds.Run(gctx) })
	}

	if addr := s.cfg.Server.HTTPAddr; addr != "" {
		g.Go(func() error { return serveHTTP(gctx, addr, s.Handler(gctx), s.cfg.Server.ShutdownTimeout) })
	}

	if addr := s.cfg.Server.GRPCAddr; addr != "" {
		g.Go(func() error { return s.health.Serve(gctx, addr) })
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.stop = stop
	s.done = done
	s.mu.Unlock()

	go func() {
		err := g.Wait()

		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()

		close(done)
	}()

	logger.InfoKV(ctx, "System running", "http", s.cfg.Server.HTTPAddr, "grpc", s.cfg.Server.GRPCAddr)
	<-gctx.Done()

	shutdownErr := s.Shutdown(s.cfg.Server.ShutdownTimeout)

	return errors.Join(s.loopErr(), shutdownErr)
}

func (s *System) loopErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return s.runErr
	default:
		return nil
	}
}

// Shutdown stops the loops and waits for them at most timeout, then stops
// the engine with whatever budget is left. Every actuator output is switched
// off even when a loop did not exit in time. Only the first call acts.
func (s *System) Shutdown(timeout time.Duration) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(timeout)
	})

	return s.closeErr
}

func (s *System) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), timeout)
	defer cancel()

	logger.InfoKV(ctx, "Shutting down", "timeout", timeout)

	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()

	var errs []error

	if stop != nil {
		stop()

		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("loops still running: %w", ctx.Err()))
		}
	}

	s.unsubscribe()

	if err := s.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.health.Shutdown()

	if err := s.panel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close actuators: %w", err))
	}

	if s.natsConn != nil {
		s.natsConn.Close()
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.ErrorKV(ctx, "Shutdown incomplete", "error", err)
	} else {
		logger.Info(ctx, "Shutdown complete")
	}

	return err
}

func timing(cfg *config.Config) alarm.Timing {
	return alarm.Timing{
		Cooldown:      cfg.Detection.Cooldown,
		BlinkInterval: cfg.Hardware.BlinkInterval,
		PulseDuration: cfg.Hardware.PulseDuration,
	}
}
