package alarm

import (
	"context"
	"errors"
	"time"

	"homeguard/internal/actuator"
	"homeguard/internal/logger"
	"homeguard/internal/metrics"
	"homeguard/internal/notify"
	"homeguard/internal/recorder"
)

// spawn starts a long-running output task. Must be called with e.mu held.
func (e *Engine) spawn(name string, fn func(context.Context)) *task {
	ctx, cancel := context.WithCancel(logger.WithName(e.base, name))
	t := &task{cancel: cancel, done: make(chan struct{})}

	e.loops.Add(1)

	go func() {
		defer e.loops.Done()
		defer close(t.done)
		defer cancel()

		fn(ctx)
	}()

	return t
}

// stopTask signals *t to stop without waiting. Must be called with e.mu held.
func (e *Engine) stopTask(t **task) {
	if *t != nil {
		(*t).cancel()
		*t = nil
	}
}

// restartPulse replaces the running pulse with a fresh one. The new pulse
// starts only once the old one has switched the output off, so pulses
// never overlap. Must be called with e.mu held.
func (e *Engine) restartPulse(d time.Duration) {
	prev := e.pulse
	if prev != nil {
		prev.cancel()
	}

	e.pulse = e.spawn("pulse", func(ctx context.Context) {
		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		e.recordOutput(ctx, e.deps.Panel.PulseAudible(ctx, d))
	})
}

// blinkLoop toggles the alert indicator until the alarm is no longer
// triggered and enabled. The indicator is always left off.
func (e *Engine) blinkLoop(interval time.Duration) func(context.Context) {
	return func(ctx context.Context) {
		defer e.setOutput(context.WithoutCancel(ctx), actuator.ChannelAlert, false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		on := false

		for e.blinking() {
			on = !on
			e.setOutput(ctx, actuator.ChannelAlert, on)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func (e *Engine) blinking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state.Triggered && e.state.Enabled && !e.closed
}

// syncIndicators writes the armed indicator from the current state and,
// when not triggered, switches the alert outputs off. Concurrent callers
// are serialized so the outputs converge on the latest state.
func (e *Engine) syncIndicators(ctx context.Context) {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	st := e.State()

	e.setOutput(ctx, actuator.ChannelArmed, st.Enabled)

	if !st.Triggered {
		e.setOutput(ctx, actuator.ChannelAlert, false)
		e.setOutput(ctx, actuator.ChannelAudible, false)
	}
}

func (e *Engine) setOutput(ctx context.Context, ch actuator.Channel, on bool) {
	e.recordOutput(ctx, e.deps.Panel.SetIndicator(ctx, ch, on))
}

func (e *Engine) recordOutput(ctx context.Context, err error) {
	metrics.RecordSideEffect("actuator", err)

	if err != nil {
		logger.WarnKV(ctx, "Actuator failure", "error", err)
	}
}

// dispatch runs fn on the bounded task group with its own timeout. When the
// group is full or the engine is closed the task is dropped.
func (e *Engine) dispatch(name string, timeout time.Duration, fn func(context.Context) error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()

	ctx := logger.WithName(e.base, name)

	if closed {
		logger.DebugKV(ctx, "Engine closed, task dropped", "task", name)
		metrics.RecordDroppedTask(name)

		return
	}

	started := e.tasks.TryGo(func() error {
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(taskCtx)
		metrics.RecordSideEffect(name, err)

		if err != nil {
			logger.ErrorKV(taskCtx, "Side effect failed", "task", name, "error", err)
		}

		return nil
	})

	if !started {
		logger.WarnKV(ctx, "Too many side-effect tasks, task dropped", "task", name)
		metrics.RecordDroppedTask(name)
	}
}

func (e *Engine) persist(ev Event) {
	if e.deps.Store == nil {
		return
	}

	e.dispatch("persist", e.opts.TaskTimeout, func(ctx context.Context) error {
		return e.deps.Store.Append(ctx, ev)
	})
}

func (e *Engine) notify(n notify.Notification) {
	if e.deps.Notifier == nil {
		return
	}

	e.dispatch("notify", e.opts.TaskTimeout, func(ctx context.Context) error {
		d, err := e.deps.Notifier.Notify(ctx, n)
		logger.DebugKV(ctx, "Notification dispatched", "kind", n.Kind, "succeeded", d.Succeeded, "attempted", d.Attempted)

		return err
	})
}

// exportClip waits for ClipDelay, writes the clip, logs it and sends it.
func (e *Engine) exportClip() {
	if e.deps.Clips == nil {
		return
	}

	e.dispatch("clip", e.opts.ClipDelay+e.opts.TaskTimeout, func(ctx context.Context) error {
		if e.opts.ClipDelay > 0 {
			timer := time.NewTimer(e.opts.ClipDelay)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		clip, err := e.deps.Clips.Export(ctx, e.opts.ClipSeconds)
		if errors.Is(err, recorder.ErrInsufficientFrames) {
			logger.InfoKV(ctx, "Not enough footage for a clip", "error", err)

			return nil
		}

		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "Clip exported", "path", clip.Path, "frames", clip.Frames, "bytes", clip.Bytes)

		now := e.now()
		e.persist(Event{Type: EventClip, Info: clip.Path, Timestamp: now})

		n := notify.New(notify.KindClip, "Motion clip", "Footage of the detection.", now)
		n.ClipPath = clip.Path
		e.notify(n)

		return nil
	})
}
