package alarm

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"homeguard/internal/actuator"
	"homeguard/internal/notify"
	"homeguard/internal/recorder"
	"homeguard/internal/schedule"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type memStore struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *memStore) Append(ctx context.Context, ev Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.events = append(s.events, ev)

	return nil
}

func (s *memStore) count(typ EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}

	return n
}

func (s *memStore) find(typ EventType) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.Type == typ {
			return ev, true
		}
	}

	return Event{}, false
}

type memNotifier struct {
	mu    sync.Mutex
	sent  []notify.Notification
	hang  bool
	calls int
}

func (n *memNotifier) Notify(ctx context.Context, msg notify.Notification) (notify.Delivery, error) {
	n.mu.Lock()
	n.calls++
	hang := n.hang
	n.mu.Unlock()

	if hang {
		<-ctx.Done()

		return notify.Delivery{Attempted: 1}, ctx.Err()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, msg)

	return notify.Delivery{Attempted: 1, Succeeded: 1}, nil
}

func (n *memNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]notify.Kind, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}

	return out
}

func (n *memNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.calls
}

type fakeClips struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (c *fakeClips) Export(_ context.Context, seconds int) (recorder.Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.err != nil {
		return recorder.Clip{}, c.err
	}

	return recorder.Clip{Path: "/var/lib/homeguard/motion_1.mjpeg", Frames: seconds * 10}, nil
}

type rig struct {
	engine *Engine
	panel  *actuator.Simulated
	store  *memStore
	notes  *memNotifier
	clips  *fakeClips
	clock  *clock
}

func newRig(t *testing.T, enabled bool, mutate ...func(*Options, *Deps)) *rig {
	t.Helper()

	r := &rig{
		panel: actuator.NewSimulated(),
		store: &memStore{},
		notes: &memNotifier{},
		clips: &fakeClips{},
		clock: newClock(),
	}

	opts := Options{
		Timing: Timing{
			Cooldown:      10 * time.Second,
			BlinkInterval: 10 * time.Millisecond,
			PulseDuration: 50 * time.Millisecond,
		},
		InitialEnabled: enabled,
		TaskTimeout:    time.Second,
		Now:            r.clock.Now,
	}
	deps := Deps{Panel: r.panel, Store: r.store, Notifier: r.notes, Clips: r.clips}

	for _, m := range mutate {
		m(&opts, &deps)
	}

	r.engine = New(context.Background(), deps, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = r.engine.Shutdown(ctx)
	})

	return r
}

func detection(area int) Detection {
	return Detection{Area: area, Regions: []image.Rectangle{image.Rect(0, 0, 100, 60)}}
}

// TestTriggerCooldownAndDeactivate walks the basic alarm cycle.
func TestTriggerCooldownAndDeactivate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, true)
	require.True(t, r.panel.State(actuator.ChannelArmed))

	require.True(t, r.engine.HandleMotion(ctx, detection(6000)))

	st := r.engine.State()
	require.True(t, st.Triggered)
	require.Equal(t, r.clock.Now(), st.LastAlertAt)

	require.Eventually(t, func() bool { return r.store.count(EventMotion) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return r.panel.Changes(actuator.ChannelAlert) >= 2 }, time.Second, time.Millisecond)

	r.clock.Advance(3 * time.Second)
	require.False(t, r.engine.HandleMotion(ctx, detection(6000)))
	require.True(t, r.engine.State().Triggered)

	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))

	st = r.engine.State()
	require.False(t, st.Triggered)
	require.False(t, st.Enabled)
	require.True(t, st.ManualOverride)

	// The blink task notices within one interval and leaves the indicator off.
	require.Eventually(t, func() bool { return !r.panel.AnyOn() }, 100*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return r.store.count(EventDisarmed) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, r.store.count(EventMotion))
	require.Zero(t, r.store.count(EventNewDetection))
}

// TestDisabledAlarmIgnoresMotion never triggers while disabled.
func TestDisabledAlarmIgnoresMotion(t *testing.T) {
	t.Parallel()

	r := newRig(t, false)

	require.False(t, r.engine.HandleMotion(context.Background(), detection(50000)))
	require.False(t, r.engine.State().Triggered)
	require.False(t, r.panel.AnyOn())
	require.Zero(t, r.notes.callCount())
}

// TestNewDetectionAfterCooldown logs a secondary event and keeps the same blink task.
func TestNewDetectionAfterCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, true)

	require.True(t, r.engine.HandleMotion(ctx, detection(6000)))

	r.engine.mu.Lock()
	blink := r.engine.blink
	r.engine.mu.Unlock()

	r.clock.Advance(11 * time.Second)
	require.True(t, r.engine.HandleMotion(ctx, detection(7000)))

	r.engine.mu.Lock()
	require.Same(t, blink, r.engine.blink)
	r.engine.mu.Unlock()

	require.Eventually(t, func() bool { return r.store.count(EventNewDetection) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, r.store.count(EventMotion))
	require.Equal(t, 2, r.engine.State().Detections)
}

// TestDeactivateIsIdempotent reaches the same end state twice without error.
func TestDeactivateIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, true)

	require.True(t, r.engine.HandleMotion(ctx, detection(6000)))
	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))
	first := r.engine.State()

	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))
	second := r.engine.State()

	require.Equal(t, first.Enabled, second.Enabled)
	require.Equal(t, first.Triggered, second.Triggered)
	require.Eventually(t, func() bool { return !r.panel.AnyOn() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return r.store.count(EventDisarmed) == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.store.count(EventDisarmed))
}

// TestRearmResetsCooldown treats the first detection after a re-arm as a fresh trigger.
func TestRearmResetsCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, true)

	require.True(t, r.engine.HandleMotion(ctx, detection(6000)))
	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))
	require.True(t, r.engine.State().LastAlertAt.IsZero())

	r.clock.Advance(2 * time.Second)
	require.NoError(t, r.engine.Activate(ctx, SourceManual))
	require.True(t, r.engine.HandleMotion(ctx, detection(6000)))
	require.True(t, r.engine.State().Triggered)

	require.Eventually(t, func() bool { return r.store.count(EventMotion) == 2 }, time.Second, time.Millisecond)
}

type pulseCounter struct {
	*actuator.Simulated

	mu     sync.Mutex
	active int
	peak   int
	pulses int
}

func (p *pulseCounter) PulseAudible(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.active++
	p.pulses++
	p.peak = max(p.peak, p.active)
	p.mu.Unlock()

	err := p.Simulated.PulseAudible(ctx, d)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	return err
}

func (p *pulseCounter) stats() (active, peak, pulses int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.active, p.peak, p.pulses
}

// TestPulseRestartNeverOverlaps refreshes the audible pulse instead of stacking it.
func TestPulseRestartNeverOverlaps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	panel := &pulseCounter{Simulated: actuator.NewSimulated()}

	r := newRig(t, true, func(o *Options, d *Deps) {
		o.PulseDuration = time.Hour
		d.Panel = panel
	})

	for range 5 {
		require.True(t, r.engine.HandleMotion(ctx, detection(6000)))
		r.clock.Advance(11 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		active, _, _ := panel.stats()
		return active == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))

	require.Eventually(t, func() bool {
		active, _, _ := panel.stats()
		return active == 0
	}, time.Second, time.Millisecond)

	_, peak, pulses := panel.stats()
	require.Equal(t, 1, peak)
	require.GreaterOrEqual(t, pulses, 1)
	require.False(t, panel.State(actuator.ChannelAudible))
}

// TestManualOverrideBlocksSchedule lets a manual decision win until the schedule is resumed.
func TestManualOverrideBlocksSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, false)
	ctrl := r.engine.Scheduled()

	require.NoError(t, r.engine.Activate(ctx, SourceManual))
	require.True(t, ctrl.OverrideActive())

	require.ErrorIs(t, ctrl.Deactivate(ctx), ErrOverridden)
	require.True(t, ctrl.IsEnabled())

	r.engine.ResumeSchedule(ctx)
	require.False(t, ctrl.OverrideActive())

	require.NoError(t, ctrl.Deactivate(ctx))
	st := r.engine.State()
	require.False(t, st.Enabled)
	require.Equal(t, SourceSchedule, st.Source)
	require.False(t, st.ManualOverride)
}

// TestScheduleDrivesEngine arms inside a window and yields to a manual override.
func TestScheduleDrivesEngine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, false)

	start, err := schedule.ParseTimeOfDay("22:00")
	require.NoError(t, err)
	end, err := schedule.ParseTimeOfDay("06:00")
	require.NoError(t, err)

	table := schedule.Table{{Name: "night", Days: schedule.AllDays, Start: start, End: end, Enabled: true}}
	ev := schedule.NewEvaluator(r.engine.Scheduled(), table, schedule.Options{Auto: true, Now: r.clock.Now})

	night := time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(ctx, night))
	require.True(t, r.engine.IsEnabled())
	require.Equal(t, SourceSchedule, r.engine.State().Source)

	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))

	morning := time.Date(2024, 3, 5, 5, 0, 0, 0, time.UTC)
	require.NoError(t, ev.Evaluate(ctx, morning))
	require.False(t, r.engine.IsEnabled(), "override must hold")

	r.engine.ResumeSchedule(ctx)
	require.NoError(t, ev.Evaluate(ctx, morning.Add(30*time.Second)))
	require.True(t, r.engine.IsEnabled())
}

// TestSideEffectFailuresDoNotBlock keeps HandleMotion fast when sinks fail or hang.
func TestSideEffectFailuresDoNotBlock(t *testing.T) {
	t.Parallel()

	r := newRig(t, true, func(o *Options, d *Deps) {
		o.TaskTimeout = 50 * time.Millisecond
	})
	r.store.err = errors.New("disk full")
	r.notes.hang = true
	r.panel.FailWith(actuator.ErrActuator)

	started := time.Now()
	require.True(t, r.engine.HandleMotion(context.Background(), detection(6000)))
	require.Less(t, time.Since(started), 50*time.Millisecond)
	require.True(t, r.engine.State().Triggered)

	require.Eventually(t, func() bool { return r.notes.callCount() >= 1 }, time.Second, time.Millisecond)
}

// TestClipExportedAfterTrigger logs and sends the clip.
func TestClipExportedAfterTrigger(t *testing.T) {
	t.Parallel()

	r := newRig(t, true)
	require.True(t, r.engine.HandleMotion(context.Background(), detection(6000)))

	require.Eventually(t, func() bool { return r.store.count(EventClip) == 1 }, time.Second, time.Millisecond)

	ev, _ := r.store.find(EventClip)
	require.Equal(t, "/var/lib/homeguard/motion_1.mjpeg", ev.Info)

	require.Eventually(t, func() bool {
		kinds := r.notes.kinds()
		return len(kinds) == 2
	}, time.Second, time.Millisecond)
	require.ElementsMatch(t, []notify.Kind{notify.KindAlert, notify.KindClip}, r.notes.kinds())
}

// TestClipSkippedWithoutFootage treats a short buffer as a skip, not a failure.
func TestClipSkippedWithoutFootage(t *testing.T) {
	t.Parallel()

	r := newRig(t, true)
	r.clips.err = recorder.ErrInsufficientFrames

	require.True(t, r.engine.HandleMotion(context.Background(), detection(6000)))
	require.Eventually(t, func() bool { return r.store.count(EventMotion) == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, r.store.count(EventClip))
}

// TestSaturatedSupervisorDropsTasks drops side effects beyond the task limit.
func TestSaturatedSupervisorDropsTasks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := newRig(t, true, func(o *Options, d *Deps) {
		o.MaxTasks = 1
	})
	r.store.block = release

	require.True(t, r.engine.HandleMotion(context.Background(), detection(6000)))

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, r.notes.callCount())

	close(release)
	require.Eventually(t, func() bool { return r.store.count(EventMotion) == 1 }, time.Second, time.Millisecond)
}

// TestObserversSeeLatestState delivers every change to subscribers until they unsubscribe.
func TestObserversSeeLatestState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newRig(t, false)

	var (
		mu   sync.Mutex
		seen []State
	)

	stop := r.engine.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, s)
	})

	require.NoError(t, r.engine.Activate(ctx, SourceManual))
	require.True(t, r.engine.HandleMotion(ctx, detection(6000)))
	stop()
	require.NoError(t, r.engine.Deactivate(ctx, SourceManual))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, seen, 2)
	require.True(t, seen[0].Enabled)
	require.True(t, seen[1].Triggered)
}

// TestShutdownSwitchesOutputsOff stops tasks, forces outputs off and refuses further work.
func TestShutdownSwitchesOutputsOff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	panel := actuator.NewSimulated()
	e := New(ctx, Deps{Panel: panel}, Options{
		Timing:         Timing{BlinkInterval: 5 * time.Millisecond, PulseDuration: time.Hour},
		InitialEnabled: true,
	})

	require.True(t, e.HandleMotion(ctx, detection(6000)))
	require.Eventually(t, func() bool { return panel.State(actuator.ChannelAudible) }, time.Second, time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, e.Shutdown(shutdownCtx))
	require.False(t, panel.AnyOn())

	require.False(t, e.HandleMotion(ctx, detection(6000)))
	require.ErrorIs(t, e.Activate(ctx, SourceManual), ErrClosed)
	require.NoError(t, e.Shutdown(shutdownCtx))
}

// TestShutdownBoundedByContext gives up waiting on a stuck task but still silences outputs.
func TestShutdownBoundedByContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	panel := actuator.NewSimulated()
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	store := storeFunc(func(context.Context, Event) error {
		<-stuck

		return nil
	})

	e := New(ctx, Deps{Panel: panel, Store: store}, Options{InitialEnabled: true})
	require.True(t, e.HandleMotion(ctx, detection(6000)))

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	err := e.Shutdown(shutdownCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, panel.AnyOn())
}

type storeFunc func(context.Context, Event) error

func (f storeFunc) Append(ctx context.Context, ev Event) error { return f(ctx, ev) }
