package schedule

import (
	"sort"
	"time"
)

// Action is what a schedule change does to the alarm.
type Action string

// Schedule change actions.
const (
	ActionArm    Action = "arm"
	ActionDisarm Action = "disarm"
)

// Change is a future instant at which a window opens or closes.
type Change struct {
	Window string    `json:"window"`
	Action Action    `json:"action"`
	At     time.Time `json:"at"`
}

// NextChanges lists the next n window openings and closings after now, in
// chronological order. Closings of overnight windows fall on the following day.
func (t Table) NextChanges(now time.Time, n int) []Change {
	if n <= 0 {
		return nil
	}

	var changes []Change

	// Start one day back so an overnight window opened yesterday yields its closing.
	for offset := -1; offset <= 7; offset++ {
		date := now.AddDate(0, 0, offset)

		for _, w := range t {
			if !w.Enabled || !w.Days.Has(date.Weekday()) {
				continue
			}

			start := w.Start.On(date)

			end := w.End.On(date)
			if w.Overnight() {
				end = w.End.On(date.AddDate(0, 0, 1))
			}

			if start.After(now) {
				changes = append(changes, Change{Window: w.Name, Action: ActionArm, At: start})
			}

			if end.After(now) {
				changes = append(changes, Change{Window: w.Name, Action: ActionDisarm, At: end})
			}
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].At.Before(changes[j].At)
	})

	if len(changes) > n {
		changes = changes[:n]
	}

	return changes
}
