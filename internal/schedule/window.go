package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default window bounds used when a window omits start or end.
const (
	DefaultStart = TimeOfDay(22 * time.Hour)
	DefaultEnd   = TimeOfDay(6 * time.Hour)
)

var (
	// ErrInvalidTime is returned for a time of day that is not HH:MM or HH:MM:SS.
	ErrInvalidTime = errors.New("invalid time of day")
	// ErrInvalidWeekday is returned for an unknown weekday name or number.
	ErrInvalidWeekday = errors.New("invalid weekday")
)

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}

	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var total time.Duration

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] || len(p) > 2 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}

		total += time.Duration(n) * units[i]
	}

	return TimeOfDay(total), nil
}

// Clock returns the time of day of t in t's location.
func Clock(t time.Time) TimeOfDay {
	h, m, s := t.Clock()

	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second)
}

// On returns the instant at this time of day on the calendar day of date.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, mo, d := date.Date()

	return time.Date(y, mo, d, 0, 0, 0, 0, date.Location()).Add(time.Duration(t))
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)

	if s := int(d % time.Minute / time.Second); s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}

	return fmt.Sprintf("%02d:%02d", h, m)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TimeOfDay) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseTimeOfDay(node.Value)
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (t TimeOfDay) MarshalYAML() (any, error) {
	return t.String(), nil
}

// Weekdays is a set of days of the week.
//
// In configuration days are written as numbers with 0 meaning Monday and
// 6 meaning Sunday, or as English names ("mon", "monday").
type Weekdays uint8

// AllDays contains every day of the week.
const AllDays Weekdays = 1<<7 - 1

// NewWeekdays builds a set from time.Weekday values.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}

	return w
}

// Has reports whether d is in the set.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Days returns the members in Monday-first order.
func (w Weekdays) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)

	for i := range 7 {
		d := time.Weekday((i + 1) % 7)
		if w.Has(d) {
			out = append(out, d)
		}
	}

	return out
}

//nolint:gochecknoglobals // lookup table.
var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseWeekday accepts a Monday-based index ("0".."6") or a day name.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidWeekday, n)
		}

		return time.Weekday((n + 1) % 7), nil
	}

	if d, ok := weekdayNames[s]; ok {
		return d, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *Weekdays) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: days must be a list", ErrInvalidWeekday)
	}

	var set Weekdays

	for _, item := range node.Content {
		d, err := ParseWeekday(item.Value)
		if err != nil {
			return err
		}

		set |= NewWeekdays(d)
	}

	*w = set

	return nil
}

// MarshalYAML implements yaml.Marshaler using Monday-based indexes.
func (w Weekdays) MarshalYAML() (any, error) {
	days := w.Days()
	out := make([]int, 0, len(days))

	for _, d := range days {
		out = append(out, (int(d)+6)%7)
	}

	return out, nil
}

// Window is one weekly arming window. Start may be later than End, in which
// case the window wraps midnight.
type Window struct {
	Name    string    `yaml:"name"`
	Days    Weekdays  `yaml:"days"`
	Start   TimeOfDay `yaml:"start"`
	End     TimeOfDay `yaml:"end"`
	Enabled bool      `yaml:"enabled"`
}

// UnmarshalYAML fills in the defaults for omitted fields: enabled, 22:00-06:00.
func (w *Window) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name    string     `yaml:"name"`
		Days    Weekdays   `yaml:"days"`
		Start   *TimeOfDay `yaml:"start"`
		End     *TimeOfDay `yaml:"end"`
		Enabled *bool      `yaml:"enabled"`
	}

	if err := node.Decode(&raw); err != nil {
		return err
	}

	*w = Window{
		Name:    raw.Name,
		Days:    raw.Days,
		Start:   DefaultStart,
		End:     DefaultEnd,
		Enabled: true,
	}

	if raw.Start != nil {
		w.Start = *raw.Start
	}

	if raw.End != nil {
		w.End = *raw.End
	}

	if raw.Enabled != nil {
		w.Enabled = *raw.Enabled
	}

	if w.Name == "" {
		w.Name = "unnamed"
	}

	return nil
}

// Overnight reports whether the window wraps midnight.
func (w Window) Overnight() bool {
	return w.Start > w.End
}

// Covers reports whether the time of day falls inside the window bounds,
// ignoring the day set and the enabled flag. Both bounds are inclusive.
func (w Window) Covers(t TimeOfDay) bool {
	if !w.Overnight() {
		return w.Start <= t && t <= w.End
	}

	return t >= w.Start || t <= w.End
}

// Contains reports whether now is inside an enabled window on one of its days.
func (w Window) Contains(now time.Time) bool {
	return w.Enabled && w.Days.Has(now.Weekday()) && w.Covers(Clock(now))
}

// Table is the active set of windows. Treat it as read-only once built.
type Table []Window

// Active returns the first window containing now.
func (t Table) Active(now time.Time) (Window, bool) {
	for _, w := range t {
		if w.Contains(now) {
			return w, true
		}
	}

	return Window{}, false
}
