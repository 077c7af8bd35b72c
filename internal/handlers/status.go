package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pliu/wala/internal/models"
)

// StatsSource is the part of the relay the status endpoints read from.
type StatsSource interface {
	Stats() models.SystemStats
	Uptime() time.Duration
}

type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
}

// StatusHandler serves the unauthenticated status endpoints.
type StatusHandler struct {
	Relay StatsSource
	Now   func() time.Time
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "OK",
		Timestamp:     now().UTC(),
		UptimeSeconds: h.Relay.Uptime().Seconds(),
	})
}

func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Relay.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
