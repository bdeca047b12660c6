package alarm

import "context"

// Controller lets the schedule drive the engine. Its calls carry the
// schedule source and yield to a manual override.
type Controller struct {
	e *Engine
}

// Scheduled returns the engine's schedule-facing controller.
func (e *Engine) Scheduled() *Controller {
	return &Controller{e: e}
}

// Activate arms the alarm on behalf of the schedule.
func (c *Controller) Activate(ctx context.Context) error {
	return c.e.Activate(ctx, SourceSchedule)
}

// Deactivate disarms the alarm on behalf of the schedule.
func (c *Controller) Deactivate(ctx context.Context) error {
	return c.e.Deactivate(ctx, SourceSchedule)
}

// IsEnabled reports whether the alarm is armed.
func (c *Controller) IsEnabled() bool {
	return c.e.IsEnabled()
}

// OverrideActive reports whether a manual decision holds.
func (c *Controller) OverrideActive() bool {
	return c.e.OverrideActive()
}
