// Package api exposes the read-only monitoring surface: a JSON status
// endpoint over the usage snapshot and a liveness probe. Submission and
// cancellation stay in-process; this surface never mutates dispatch state.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dentamind/dispatch/usage"
)

// StatusProvider supplies point-in-time usage snapshots.
type StatusProvider interface {
	Snapshot() usage.Snapshot
}

// Handler serves the monitoring endpoints:
//
//	GET /healthz  — liveness probe
//	GET /status   — full usage snapshot
//	GET /status/categories — per-category stats only
type Handler struct {
	provider StatusProvider
	log      *slog.Logger
	mux      *http.ServeMux
}

// NewHandler builds the monitoring handler over p.
func NewHandler(p StatusProvider, log *slog.Logger) *Handler {
	h := &Handler{provider: p, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /status", h.status)
	h.mux.HandleFunc("GET /status/categories", h.categories)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.Snapshot())
}

func (h *Handler) categories(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.Snapshot().Categories)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.log.Error("encoding status response", slog.Any("error", err))
	}
}
