// Package api is the HTTP control surface: alarm commands and state, the
// event log, upcoming schedule changes, the live feed and operational
// endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homeguard/internal/alarm"
	"homeguard/internal/camera"
	"homeguard/internal/database"
	"homeguard/internal/schedule"
)

// Alarm is the part of the engine the API drives.
type Alarm interface {
	Activate(ctx context.Context, src alarm.Source) error
	Deactivate(ctx context.Context, src alarm.Source) error
	ResumeSchedule(ctx context.Context)
	State() alarm.State
}

// Events reads the event log.
type Events interface {
	Recent(ctx context.Context, limit int) ([]database.Record, error)
	Ping(ctx context.Context) error
}

// Schedule reports upcoming window changes.
type Schedule interface {
	NextChanges(n int) []schedule.Change
	Auto() bool
}

// Camera reports the capture loop status.
type Camera interface {
	Stats() camera.Stats
}

// Deps are the collaborators behind the routes. Nil handlers leave their
// route unmounted.
type Deps struct {
	Alarm    Alarm
	Events   Events
	Schedule Schedule
	Camera   Camera

	Video    http.Handler
	Snapshot http.Handler
	Socket   http.Handler
}

// NewRouter builds the chi router.
func NewRouter(ctx context.Context, d Deps) http.Handler {
	h := &handlers{deps: d}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(observe(ctx))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/alarm", func(r chi.Router) {
			r.Get("/state", h.state)
			r.Post("/activate", h.activate)
			r.Post("/deactivate", h.deactivate)
			r.Post("/resume", h.resume)
		})

		if d.Events != nil {
			r.Get("/events", h.events)
		}

		if d.Schedule != nil {
			r.Get("/schedule/next", h.nextChanges)
		}
	})

	mount(r, "/video_feed", d.Video)
	mount(r, "/snapshot.jpg", d.Snapshot)
	mount(r, "/ws", d.Socket)

	return r
}

func mount(r chi.Router, pattern string, h http.Handler) {
	if h != nil {
		r.Method(http.MethodGet, pattern, h)
	}
}
