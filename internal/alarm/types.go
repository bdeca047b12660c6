package alarm

import (
	"context"
	"errors"
	"image"
	"time"

	"homeguard/internal/notify"
	"homeguard/internal/recorder"
)

var (
	// ErrClosed is returned by operations on an engine that was shut down.
	ErrClosed = errors.New("alarm engine closed")
	// ErrOverridden is returned when the schedule tries to change an alarm
	// that a person has taken control of.
	ErrOverridden = errors.New("manual override active")
)

// Source tells who changed the enable flag.
type Source string

// Sources.
const (
	SourceManual   Source = "manual"
	SourceSchedule Source = "schedule"
)

// EventType identifies a persisted event. The values match the rows written
// by earlier deployments, so old databases stay readable.
type EventType string

// Event types.
const (
	// EventMotion is the first detection of a trigger.
	EventMotion EventType = "motion_detectado"
	// EventNewDetection is a later detection while still triggered.
	EventNewDetection EventType = "nueva_deteccion"
	// EventArmed is written when the alarm gets enabled.
	EventArmed EventType = "alarma_activada"
	// EventDisarmed is written when the alarm gets disabled.
	EventDisarmed EventType = "alarma_desactivada"
	// EventClip is written after a clip export; Info holds the path.
	EventClip EventType = "clip_grabado"
)

// Event is one entry of the alarm log.
type Event struct {
	Type      EventType `json:"type"`
	Info      string    `json:"info"`
	Timestamp time.Time `json:"timestamp"`
}

// Detection is one motion report from the analyzer.
type Detection struct {
	Area    int
	Regions []image.Rectangle
	// Snapshot is an optional JPEG of the frame, attached to the alert.
	Snapshot []byte
}

// State is a snapshot of the alarm.
type State struct {
	Enabled        bool      `json:"enabled"`
	Triggered      bool      `json:"triggered"`
	LastAlertAt    time.Time `json:"last_alert_at,omitzero"`
	ManualOverride bool      `json:"manual_override"`
	// Source made the last change of the enable flag.
	Source Source `json:"source,omitempty"`
	// Detections counts accepted detections since the process started.
	Detections int       `json:"detections"`
	ChangedAt  time.Time `json:"changed_at,omitzero"`
}

// EventStore persists events.
type EventStore interface {
	Append(ctx context.Context, ev Event) error
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) (notify.Delivery, error)
}

// ClipExporter writes the last seconds of footage to a clip.
type ClipExporter interface {
	Export(ctx context.Context, seconds int) (recorder.Clip, error)
}
