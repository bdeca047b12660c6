package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"homeguard/internal/actuator"
	"homeguard/internal/logger"
	"homeguard/internal/metrics"
	"homeguard/internal/notify"
)

// Engine defaults.
const (
	DefaultCooldown      = 10 * time.Second
	DefaultBlinkInterval = 500 * time.Millisecond
	DefaultPulseDuration = 3 * time.Second
	DefaultTaskTimeout   = 30 * time.Second
	DefaultMaxTasks      = 16
	DefaultClipSeconds   = 5
)

// Timing groups the settings that may change at runtime.
type Timing struct {
	// Cooldown is the minimum time between two accepted detections.
	Cooldown time.Duration
	// BlinkInterval is the half period of the alert indicator.
	BlinkInterval time.Duration
	// PulseDuration is how long the audible output sounds per detection.
	PulseDuration time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.Cooldown < 0 {
		t.Cooldown = 0
	}

	if t.BlinkInterval <= 0 {
		t.BlinkInterval = DefaultBlinkInterval
	}

	if t.PulseDuration <= 0 {
		t.PulseDuration = DefaultPulseDuration
	}

	return t
}

// Options configure an Engine.
type Options struct {
	Timing

	// InitialEnabled arms the alarm at startup.
	InitialEnabled bool
	// ClipSeconds is the length of exported clips.
	ClipSeconds int
	// ClipDelay is waited before exporting, so the clip covers what
	// happened after the trigger too.
	ClipDelay time.Duration
	// TaskTimeout bounds every persistence, notification and export task.
	TaskTimeout time.Duration
	// MaxTasks caps concurrently running side-effect tasks; extra ones are dropped.
	MaxTasks int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Deps are the engine's collaborators. Panel is required; a nil Store,
// Notifier or Clips disables that side effect.
type Deps struct {
	Panel    actuator.Panel
	Store    EventStore
	Notifier Notifier
	Clips    ClipExporter
}

// Engine is the alarm state machine. All transitions are serialized; side
// effects run outside the lock on background tasks.
type Engine struct {
	deps Deps
	opts Options
	now  func() time.Time

	// base is the parent context of every task; cancel ends them all.
	base   context.Context
	cancel context.CancelFunc

	tasks errgroup.Group
	loops sync.WaitGroup

	mu     sync.Mutex
	state  State
	timing Timing
	blink  *task
	pulse  *task
	closed bool

	outMu sync.Mutex

	pubMu     sync.Mutex
	observers map[int]func(State)
	nextObs   int

	suppressed rate.Sometimes
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. ctx carries the logger used by background tasks;
// its cancellation does not stop them, Shutdown does.
func New(ctx context.Context, deps Deps, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}

	if opts.MaxTasks <= 0 {
		opts.MaxTasks = DefaultMaxTasks
	}

	if opts.ClipSeconds <= 0 {
		opts.ClipSeconds = DefaultClipSeconds
	}

	if deps.Panel == nil {
		deps.Panel = actuator.NewSimulated()
	}

	base, cancel := context.WithCancel(context.WithoutCancel(logger.WithName(ctx, "alarm")))

	e := &Engine{
		deps:       deps,
		opts:       opts,
		now:        opts.Now,
		base:       base,
		cancel:     cancel,
		timing:     opts.Timing.withDefaults(),
		observers:  make(map[int]func(State)),
		suppressed: rate.Sometimes{Interval: 5 * time.Second},
	}
	e.tasks.SetLimit(opts.MaxTasks)

	e.state = State{Enabled: opts.InitialEnabled, ChangedAt: e.now()}
	if opts.InitialEnabled {
		e.state.Source = SourceManual
	}

	e.syncIndicators(base)
	metrics.SetAlarmState(e.state.Enabled, false)

	return e
}

// SetTiming replaces cooldown, blink interval and pulse duration. Running
// tasks keep the values they started with.
func (e *Engine) SetTiming(t Timing) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.timing = t.withDefaults()
}

// HandleMotion feeds one detection into the state machine and reports
// whether it was accepted. Detections are ignored while the alarm is
// disabled or within the cooldown of the previous accepted one.
func (e *Engine) HandleMotion(ctx context.Context, d Detection) bool {
	now := e.now()

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return false
	}

	if !e.state.Enabled {
		e.mu.Unlock()
		metrics.RecordTransition("suppressed")
		e.suppressed.Do(func() {
			logger.InfoKV(ctx, "Motion ignored, alarm disabled", "area", d.Area)
		})

		return false
	}

	if now.Sub(e.state.LastAlertAt) <= e.timing.Cooldown {
		e.mu.Unlock()
		metrics.RecordTransition("cooldown")

		return false
	}

	first := !e.state.Triggered
	e.state.LastAlertAt = now
	e.state.Triggered = true
	e.state.Detections++
	e.state.ChangedAt = now

	if first {
		e.blink = e.spawn("blink", e.blinkLoop(e.timing.BlinkInterval))
	}

	e.restartPulse(e.timing.PulseDuration)
	e.mu.Unlock()

	e.publish()

	info := fmt.Sprintf("area=%d regions=%d", d.Area, len(d.Regions))

	if !first {
		metrics.RecordTransition("new_detection")
		logger.InfoKV(ctx, "New detection while triggered", "area", d.Area)
		e.persist(Event{Type: EventNewDetection, Info: info, Timestamp: now})

		return true
	}

	metrics.RecordTransition("triggered")
	logger.WarnKV(ctx, "Motion detected, alarm triggered", "area", d.Area, "regions", len(d.Regions))

	e.persist(Event{Type: EventMotion, Info: info, Timestamp: now})

	alert := notify.New(notify.KindAlert, "Alarm triggered",
		fmt.Sprintf("Motion detected: %d px in %d region(s).", d.Area, len(d.Regions)), now)
	alert.Snapshot = d.Snapshot
	e.notify(alert)

	e.exportClip()

	return true
}

// Activate enables the alarm. A manual source takes precedence over the
// schedule until ResumeSchedule or a manual deactivation.
func (e *Engine) Activate(ctx context.Context, src Source) error {
	return e.setEnabled(ctx, true, src)
}

// Deactivate disables the alarm and fully resets it: the trigger is cleared,
// blink and pulse are stopped and every indicator is switched off. It is
// idempotent. Tasks are signalled, not awaited.
func (e *Engine) Deactivate(ctx context.Context, src Source) error {
	return e.setEnabled(ctx, false, src)
}

func (e *Engine) setEnabled(ctx context.Context, enabled bool, src Source) error {
	now := e.now()

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return ErrClosed
	}

	if src == SourceSchedule && e.state.ManualOverride {
		e.mu.Unlock()

		return ErrOverridden
	}

	was := e.state.Enabled
	e.state.Enabled = enabled
	e.state.ManualOverride = src == SourceManual
	e.state.Source = src
	e.state.ChangedAt = now

	if !enabled {
		// A fresh arm reacts to its first detection regardless of earlier alerts.
		e.state.LastAlertAt = time.Time{}
		e.state.Triggered = false
		e.stopTask(&e.blink)
		e.stopTask(&e.pulse)
	}

	e.mu.Unlock()

	e.syncIndicators(ctx)
	e.publish()

	if was == enabled {
		logger.DebugKV(ctx, "Alarm already in requested state", "enabled", enabled, "source", src)

		return nil
	}

	typ, title := EventDisarmed, "Alarm disarmed"
	if enabled {
		typ, title = EventArmed, "Alarm armed"
	}

	metrics.RecordTransition(string(typ))
	logger.InfoKV(ctx, title, "source", src)

	info := "source=" + string(src)
	e.persist(Event{Type: typ, Info: info, Timestamp: now})
	e.notify(notify.New(notify.KindStatus, title, fmt.Sprintf("%s (%s).", title, src), now))

	return nil
}

// ResumeSchedule drops a manual override so the schedule takes control again.
func (e *Engine) ResumeSchedule(ctx context.Context) {
	e.mu.Lock()
	had := e.state.ManualOverride
	e.state.ManualOverride = false
	e.mu.Unlock()

	if had {
		logger.Info(ctx, "Manual override cleared, schedule resumes control")
		e.publish()
	}
}

// IsEnabled reports whether the alarm is armed.
func (e *Engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state.Enabled
}

// OverrideActive reports whether a manual decision holds.
func (e *Engine) OverrideActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state.ManualOverride
}

// State returns a snapshot of the alarm.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Subscribe registers fn to receive every state change. fn runs on the
// caller of the transition and must not block. The returned function
// unregisters it.
func (e *Engine) Subscribe(fn func(State)) func() {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn

	return func() {
		e.pubMu.Lock()
		defer e.pubMu.Unlock()

		delete(e.observers, id)
	}
}

// publish hands the current state to observers. Reading it under pubMu
// guarantees the last delivered state is the latest one.
func (e *Engine) publish() {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	st := e.State()
	metrics.SetAlarmState(st.Enabled, st.Triggered)

	for _, fn := range e.observers {
		fn(st)
	}
}

// Shutdown stops every task and waits for them until ctx is done. The
// outputs are switched off in any case.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return nil
	}

	e.closed = true
	e.stopTask(&e.blink)
	e.stopTask(&e.pulse)
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.loops.Wait()
		_ = e.tasks.Wait()

		close(done)
	}()

	var waitErr error

	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("alarm tasks still running: %w", ctx.Err())
	}

	offErr := e.deps.Panel.Off(context.WithoutCancel(ctx))
	if offErr != nil {
		offErr = fmt.Errorf("switch outputs off: %w", offErr)
	}

	return errors.Join(waitErr, offErr)
}
