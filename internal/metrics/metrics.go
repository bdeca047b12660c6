// Package metrics exposes the Prometheus collectors of the alarm runtime.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: outcome names and component names only.

var (
	// FramesCaptured counts frames delivered by the camera.
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_frames_captured_total",
		Help: "Total number of frames read from the camera.",
	})

	// FramesDropped counts frames the analysis stage was too busy to take.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_frames_dropped_total",
		Help: "Total number of frames skipped because analysis was behind.",
	})

	// CaptureFailures counts connect and read failures by kind.
	CaptureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_capture_failures_total",
		Help: "Total number of camera failures, by kind (connect/read).",
	}, []string{"kind"})

	// CameraConnected is 1 while the camera is delivering frames.
	CameraConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeguard_camera_connected",
		Help: "Whether the camera is currently connected (1) or reconnecting (0).",
	})

	// AnalysisDuration observes the time spent on one full motion analysis.
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "homeguard_analysis_duration_seconds",
		Help:    "Duration of full motion analysis per frame.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// MotionDetections counts analyses that reported motion.
	MotionDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homeguard_motion_detections_total",
		Help: "Total number of frames in which motion was detected.",
	})

	// AlarmTransitions counts alarm engine outcomes for a detection or command.
	AlarmTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_alarm_transitions_total",
		Help: "Alarm engine outcomes, by result (trigger/new_detection/debounced/suppressed/armed/disarmed).",
	}, []string{"result"})

	// AlarmEnabled is 1 while the alarm is armed.
	AlarmEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeguard_alarm_enabled",
		Help: "Whether the alarm is armed.",
	})

	// AlarmTriggered is 1 while the alarm is triggered.
	AlarmTriggered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeguard_alarm_triggered",
		Help: "Whether the alarm is triggered.",
	})

	// SideEffects counts side-effect task outcomes by task and result.
	SideEffects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_side_effects_total",
		Help: "Side-effect task outcomes, by task (persist/notify/clip/actuator) and result (ok/error/dropped).",
	}, []string{"task", "result"})

	// BufferedFrames tracks the number of frames held by the ring buffer.
	BufferedFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homeguard_ring_buffer_frames",
		Help: "Number of frames currently held in the ring buffer.",
	})

	// ClipBytes observes the size of exported clips.
	ClipBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homeguard_clip_bytes",
		Help:    "Size of exported clips in bytes, by format.",
		Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8),
	}, []string{"format"})

	// NotificationsDelivered counts per-recipient deliveries by sink and result.
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homeguard_notifications_total",
		Help: "Notification deliveries, by sink and result.",
	}, []string{"sink", "result"})

	// HTTPRequests observes API request latency by method, route and status.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "homeguard_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds, by method, route pattern and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// RecordFrame marks a successfully captured frame.
func RecordFrame() {
	FramesCaptured.Inc()
	CameraConnected.Set(1)
}

// RecordDroppedFrame marks a frame that never reached analysis.
func RecordDroppedFrame() {
	FramesDropped.Inc()
}

// RecordCaptureFailure marks a connect or read failure.
func RecordCaptureFailure(kind string) {
	CaptureFailures.WithLabelValues(kind).Inc()
	CameraConnected.Set(0)
}

// ObserveAnalysis records the duration of one analysis pass.
func ObserveAnalysis(d time.Duration, motion bool) {
	AnalysisDuration.Observe(d.Seconds())

	if motion {
		MotionDetections.Inc()
	}
}

// RecordTransition counts an alarm engine outcome.
func RecordTransition(result string) {
	AlarmTransitions.WithLabelValues(result).Inc()
}

// SetAlarmState mirrors the engine state into the gauges.
func SetAlarmState(enabled, triggered bool) {
	AlarmEnabled.Set(boolToFloat(enabled))
	AlarmTriggered.Set(boolToFloat(triggered))
}

// RecordSideEffect counts a side-effect task outcome.
func RecordSideEffect(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	SideEffects.WithLabelValues(task, result).Inc()
}

// RecordDroppedTask counts a side-effect task that could not be scheduled.
func RecordDroppedTask(task string) {
	SideEffects.WithLabelValues(task, "dropped").Inc()
}

// SetBufferedFrames reports the ring buffer fill level.
func SetBufferedFrames(n int) {
	BufferedFrames.Set(float64(n))
}

// RecordClip observes an exported clip.
func RecordClip(format string, size int64) {
	ClipBytes.WithLabelValues(format).Observe(float64(size))
}

// RecordDeliveries counts successful and failed deliveries of one sink.
func RecordDeliveries(sink string, succeeded, failed int) {
	NotificationsDelivered.WithLabelValues(sink, "ok").Add(float64(succeeded))
	NotificationsDelivered.WithLabelValues(sink, "error").Add(float64(failed))
}

// ObserveHTTP records one served request. route must be a pattern, not a raw path.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
