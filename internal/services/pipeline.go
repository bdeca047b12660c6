package services

import (
	"context"
	"time"

	"homeguard/internal/alarm"
	"homeguard/internal/camera"
	"homeguard/internal/config"
	"homeguard/internal/logger"
	"homeguard/internal/metrics"
	"homeguard/internal/schedule"
	"homeguard/internal/stream"
	"homeguard/internal/ws"
)

// Overlay labels on the live feed.
const (
	labelMotion = "MOTION"
	labelAlarm  = "ALARM"
)

// handleFrame runs on the capture goroutine. Buffering and publishing are
// cheap; analysis happens on its own goroutine and misses frames when behind.
func (s *System) handleFrame(_ context.Context, f camera.Frame) {
	s.recorder.Buffer().Append(f)
	s.frames.Publish(f)

	select {
	case s.analysis <- f:
	default:
		metrics.RecordDroppedFrame()
	}
}

func (s *System) analyze(ctx context.Context) error {
	ctx = logger.WithName(ctx, "analysis")

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.analysis:
			s.inspect(ctx, f)
		}
	}
}

func (s *System) inspect(ctx context.Context, f camera.Frame) {
	res, err := s.detector.Process(f)
	if err != nil {
		logger.WarnKV(ctx, "Frame analysis failed", "seq", f.Seq, "error", err)

		return
	}

	if !res.Motion {
		return
	}

	accepted := s.engine.HandleMotion(ctx, alarm.Detection{
		Area:     res.Area,
		Regions:  res.Regions,
		Snapshot: stream.DrawRegions(f.Data, res.Regions, labelMotion),
	})

	label := labelMotion
	if accepted {
		label = labelAlarm
	}

	s.frames.Mark(res.Regions, label)
	s.sockets.PublishMotion(ws.NewMotionMessage(f.Seq, f.Timestamp, res.Area, res.Regions, accepted))
}

// CameraStatus implements camera.StatusObserver. The background model is
// dropped on every reconnect because the scene may have changed meanwhile.
func (s *System) CameraStatus(connected bool) {
	s.health.CameraStatus(connected)

	if connected {
		s.detector.Reset()
		logger.Info(s.ctx, "Camera connected")

		return
	}

	logger.Warn(s.ctx, "Camera disconnected")
}

// reload applies a changed configuration file. Schedule, alarm timing and
// log level take effect immediately; everything else needs a restart.
func (s *System) reload(cfg *config.Config) {
	s.evaluator.SetTable(schedule.Table(cfg.Schedule.Windows))
	s.evaluator.SetAuto(cfg.Schedule.AutoSchedule)
	s.engine.SetTiming(timing(cfg))

	if lvl, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(lvl)
	}

	if cfg.Camera.URI != s.cfg.Camera.URI {
		logger.Warn(s.ctx, "Camera URI changed, restart to apply it")
	}

	logger.InfoKV(s.ctx, "Configuration reloaded",
		"windows", len(cfg.Schedule.Windows),
		"auto_schedule", cfg.Schedule.AutoSchedule,
		"cooldown", cfg.Detection.Cooldown,
	)
}

// prune deletes clips older than the retention period, once at start and
// then periodically.
func (s *System) prune(ctx context.Context) error {
	retention := s.cfg.Recording.Retention
	if retention <= 0 {
		return nil
	}

	ctx = logger.WithName(ctx, "retention")
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()

	for {
		n, err := s.recorder.Prune(ctx, retention)
		if err != nil {
			logger.ErrorKV(ctx, "Clip retention failed", "error", err)
		} else if n > 0 {
			logger.InfoKV(ctx, "Expired clips removed", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
