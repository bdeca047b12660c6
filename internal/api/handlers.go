package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"homeguard/internal/alarm"
	"homeguard/internal/camera"
	"homeguard/internal/logger"
	"homeguard/internal/schedule"
)

const (
	maxEventLimit   = 500
	defaultChanges  = 3
	maxChangesLimit = 50
)

var errBadQuery = errors.New("query parameter must be a positive integer")

type handlers struct {
	deps Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status   string        `json:"status"`
	Camera   *camera.Stats `json:"camera,omitempty"`
	Database string        `json:"database,omitempty"`
}

type scheduleResponse struct {
	Auto    bool              `json:"auto_schedule"`
	Changes []schedule.Change `json:"changes"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Alarm.State())
}

func (h *handlers) activate(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.deps.Alarm.Activate)
}

func (h *handlers) deactivate(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.deps.Alarm.Deactivate)
}

func (h *handlers) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, alarm.Source) error) {
	if err := fn(r.Context(), alarm.SourceManual); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, alarm.ErrClosed) {
			code = http.StatusServiceUnavailable
		}

		writeError(w, code, err)

		return
	}

	writeJSON(w, http.StatusOK, h.deps.Alarm.State())
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	h.deps.Alarm.ResumeSchedule(r.Context())
	writeJSON(w, http.StatusOK, h.deps.Alarm.State())
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	records, err := h.deps.Events.Recent(r.Context(), limit)
	if err != nil {
		logger.ErrorKV(r.Context(), "Cannot read events", "error", err)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) nextChanges(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", defaultChanges, maxChangesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	changes := h.deps.Schedule.NextChanges(n)
	if changes == nil {
		changes = []schedule.Change{}
	}

	writeJSON(w, http.StatusOK, scheduleResponse{Auto: h.deps.Schedule.Auto(), Changes: changes})
}

// health answers 503 only when the event store is unreachable. A camera that
// is reconnecting degrades the status but the process still works.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK

	if h.deps.Camera != nil {
		st := h.deps.Camera.Stats()
		resp.Camera = &st

		if !st.Connected {
			resp.Status = "degraded"
		}
	}

	if h.deps.Events != nil {
		resp.Database = "ok"

		if err := h.deps.Events.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, resp)
}

// queryInt parses a positive integer parameter, returning def when absent
// and clamping to maximum.
func queryInt(r *http.Request, name string, def, maximum int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", errBadQuery, name, raw)
	}

	return min(n, maximum), nil
}
