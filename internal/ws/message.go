// Package ws pushes alarm state and motion reports to browsers over WebSocket.
package ws

import (
	"image"
	"time"

	"homeguard/internal/alarm"
)

// Message types.
const (
	TypeState  = "state"
	TypeMotion = "motion"
)

// StateMessage carries an alarm state change.
type StateMessage struct {
	Type  string      `json:"type"`
	State alarm.State `json:"state"`
}

// Box is a region in frame coordinates.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// MotionMessage reports the regions of one detection.
type MotionMessage struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Area      int       `json:"area"`
	Boxes     []Box     `json:"boxes"`
	Accepted  bool      `json:"accepted"`
}

// NewMotionMessage converts analyzer regions to a message.
func NewMotionMessage(seq uint64, ts time.Time, area int, regions []image.Rectangle, accepted bool) MotionMessage {
	boxes := make([]Box, 0, len(regions))
	for _, r := range regions {
		boxes = append(boxes, Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()})
	}

	return MotionMessage{
		Type:      TypeMotion,
		Seq:       seq,
		Timestamp: ts,
		Area:      area,
		Boxes:     boxes,
		Accepted:  accepted,
	}
}
