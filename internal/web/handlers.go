package web

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/cjeanneret/ForkGo/internal/hw/stepper"
	"github.com/cjeanneret/ForkGo/internal/logic/motion"
)

// maxBodyBytes bounds command request bodies.
const maxBodyBytes = 1 << 10

// Mount is the part of the motion controller the HTTP layer needs.
type Mount interface {
	Status() motion.Status
	Axis(name string) *stepper.Stepper
	SetGuiding(enabled bool)
}

// SpeedRequest is the body of POST /axis/{axis}/speed.
type SpeedRequest struct {
	Speed *float64 `json:"speed"`
}

// GuidingRequest is the body of POST /autoguide.
type GuidingRequest struct {
	Enabled *bool `json:"enabled"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Mount       Mount
	Metrics     *Metrics
	limiter     *rate.Limiter
}

// NewHandlers creates handlers. Commands are limited to 20/s with a burst
// of 10.
func NewHandlers(broadcaster *StatusBroadcaster, mount Mount, metrics *Metrics) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Mount:       mount,
		Metrics:     metrics,
		limiter:     rate.NewLimiter(20, 10),
	}
}

// HandleStatus returns the telemetry of both axes as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Mount.Status())
}

// HandleSetSpeed handles POST /axis/{axis}/speed.
func (h *Handlers) HandleSetSpeed(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("axis")
	ax := h.Mount.Axis(name)
	if ax == nil {
		http.Error(w, fmt.Sprintf("unknown axis %q", name), http.StatusNotFound)
		return
	}
	if !h.allow(w) {
		return
	}

	var req SpeedRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Speed == nil || math.IsNaN(*req.Speed) || math.IsInf(*req.Speed, 0) {
		http.Error(w, "speed must be a finite number", http.StatusBadRequest)
		return
	}

	ax.SetSpeed(*req.Speed)
	h.Metrics.command(name, "set_speed")
	debug.Live("web: %s speed %.2f", name, *req.Speed)
	writeJSON(w, http.StatusOK, ax.Status())
}

// HandleGuiding handles POST /autoguide.
func (h *Handlers) HandleGuiding(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}
	var req GuidingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	h.Mount.SetGuiding(*req.Enabled)
	h.Metrics.command("all", "autoguide")
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) allow(w http.ResponseWriter) bool {
	if h.limiter.Allow() {
		return true
	}
	http.Error(w, "too many requests", http.StatusTooManyRequests)
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
