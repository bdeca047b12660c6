// Package alarm holds the alarm state machine.
//
// The alarm has two independent flags. Enabled decides whether motion may
// cause an alert at all; it is set by a person or by the schedule.
// Triggered is reached only through motion while enabled and lasts until the
// alarm is deactivated. A cooldown debounces repeated detections.
//
// Side effects (indicator blinking, audible pulse, event persistence,
// notification and clip export) run as background tasks and never block the
// caller. Their failures are logged and counted, never returned.
package alarm
