package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"homeguard/internal/logger"
)

// Evaluator defaults.
const (
	DefaultInterval     = 30 * time.Second
	DefaultErrorBackoff = 60 * time.Second
)

// Controller is the part of the alarm the evaluator drives.
type Controller interface {
	// Activate arms the alarm on behalf of the schedule.
	Activate(ctx context.Context) error
	// Deactivate disarms the alarm on behalf of the schedule.
	Deactivate(ctx context.Context) error
	// IsEnabled reports whether the alarm is currently armed.
	IsEnabled() bool
	// OverrideActive reports whether a human decision currently takes precedence.
	OverrideActive() bool
}

// Options tune the evaluator loop.
type Options struct {
	// Auto enables automatic arming and disarming.
	Auto bool
	// Interval between evaluations.
	Interval time.Duration
	// ErrorBackoff is the wait after a failed evaluation.
	ErrorBackoff time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Evaluator arms and disarms the alarm according to a Table.
type Evaluator struct {
	ctrl         Controller
	table        atomic.Pointer[Table]
	auto         atomic.Bool
	interval     time.Duration
	errorBackoff time.Duration
	now          func() time.Time

	mu sync.Mutex
	// driven is the state last asserted by the evaluator, nil when unknown.
	driven *bool
}

// NewEvaluator creates an evaluator for ctrl.
func NewEvaluator(ctrl Controller, table Table, opts Options) *Evaluator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Evaluator{
		ctrl:         ctrl,
		interval:     opts.Interval,
		errorBackoff: opts.ErrorBackoff,
		now:          opts.Now,
	}
	e.SetTable(table)
	e.auto.Store(opts.Auto)

	return e
}

// SetTable swaps the active table. The next evaluation uses it.
func (e *Evaluator) SetTable(t Table) {
	cp := make(Table, len(t))
	copy(cp, t)
	e.table.Store(&cp)
}

// Table returns the active table.
func (e *Evaluator) Table() Table {
	return *e.table.Load()
}

// SetAuto turns automatic control on or off.
func (e *Evaluator) SetAuto(on bool) {
	e.auto.Store(on)
}

// Auto reports whether automatic control is on.
func (e *Evaluator) Auto() bool {
	return e.auto.Load()
}

// NextChanges returns the next n changes of the active table.
func (e *Evaluator) NextChanges(n int) []Change {
	if !e.Auto() {
		return nil
	}

	return e.Table().NextChanges(e.now(), n)
}

// Run evaluates immediately and then on every tick until ctx is done.
func (e *Evaluator) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "schedule")
	logger.InfoKV(ctx, "Schedule evaluator started", "interval", e.interval, "auto", e.Auto())

	for {
		wait := e.interval

		if err := e.Evaluate(ctx, e.now()); err != nil {
			logger.ErrorKV(ctx, "Schedule evaluation failed", "error", err, "retry_in", e.errorBackoff)
			wait = e.errorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info(ctx, "Schedule evaluator stopped")

			return nil
		case <-timer.C:
		}
	}
}

// Evaluate runs one scheduling decision for the instant now.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Auto() {
		return nil
	}

	if e.ctrl.OverrideActive() {
		// Forget what we drove so control resumes on the first tick after release.
		e.driven = nil

		return nil
	}

	window, desired := e.Table().Active(now)

	// The first decision is always applied, even when the alarm already
	// matches it, so the schedule owns the state from then on.
	if e.driven != nil && *e.driven == desired {
		return nil
	}

	var err error
	if desired {
		logger.InfoKV(ctx, "Arming alarm from schedule", "window", window.Name)
		err = e.ctrl.Activate(ctx)
	} else {
		logger.Info(ctx, "Disarming alarm from schedule")
		err = e.ctrl.Deactivate(ctx)
	}

	if err != nil {
		return err
	}

	e.driven = &desired

	return nil
}
