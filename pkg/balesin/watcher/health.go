package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HealthServer exposes a minimal liveness endpoint for the fleet process.
type HealthServer struct {
	watcher *Watcher
	logger  *slog.Logger
	server  *http.Server
}

// NewHealthServer creates the health endpoint bound to addr.
func NewHealthServer(addr string, watcher *Watcher, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthServer{
		watcher: watcher,
		logger:  logger.With("component", "health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return h
}

// Start begins serving in the background.
func (h *HealthServer) Start() {
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server error", "error", err)
		}
	}()
	h.logger.Info("health endpoint started", "address", h.server.Addr)
}

// Stop shuts the server down.
func (h *HealthServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := h.watcher.Uptime().Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime":         uptime,
		"connections":    h.watcher.fleet.Count(),
		"dropped_events": h.watcher.DroppedEvents(),
	})
}
