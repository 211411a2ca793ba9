// Package admin serves the read-only HTTP view of a running container: health and the
// per service call key metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mini-soa/metrics"
)

// HealthFunc reports whether the container can take traffic. A nil HealthFunc is always healthy.
type HealthFunc func() error

// NewHandler returns the admin router:
//
//	GET /healthz         200 {"status":"ok"} or 503 {"status":"unavailable","error":...}
//	GET /metrics         every snapshot, sorted by key
//	GET /metrics/{key}   one snapshot, 404 for a key never seen
func NewHandler(reg *metrics.Registry, health HealthFunc, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{metrics: reg, health: health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/metrics/{key}", h.handleMetric)
	return r
}

type handler struct {
	metrics *metrics.Registry
	health  HealthFunc
	logger  *zap.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshots := h.metrics.Snapshot()
	if snapshots == nil {
		snapshots = []metrics.Snapshot{}
	}
	h.writeJSON(w, http.StatusOK, snapshots)
}

func (h *handler) handleMetric(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sn, ok := h.metrics.SnapshotOf(key)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no metrics for %q", key)})
		return
	}
	h.writeJSON(w, http.StatusOK, sn)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("admin: write response failed", zap.Error(err))
	}
}

// Serve runs the admin endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("admin server starting", zap.String("listen", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	}
}
