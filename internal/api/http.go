package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/natemellendorf/relaychat/internal/model"
	"github.com/natemellendorf/relaychat/internal/store"
)

// SweepClock is the part of the TTL sweeper readiness depends on.
type SweepClock interface {
	GetLastSweepTime(ctx context.Context) (time.Time, error)
	Interval() time.Duration
}

// HTTPHandler serves the operational endpoints.
type HTTPHandler struct {
	store     store.Store
	sweeper   SweepClock
	storeInit atomic.Bool
}

// NewHTTPHandler creates a new HTTP handler. sweeper may be nil.
func NewHTTPHandler(store store.Store, sweeper SweepClock) *HTTPHandler {
	// storeInit starts false; the caller marks it once the store is open.
	return &HTTPHandler{
		store:   store,
		sweeper: sweeper,
	}
}

// SetStoreInitialized marks the store as initialized.
func (h *HTTPHandler) SetStoreInitialized() {
	h.storeInit.Store(true)
}

// Register adds /healthz, /readyz and /metrics to r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// handleHealthz returns 200 if the process is up and the store answers.
func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.GetLastSweepTime(r.Context()); err != nil {
		http.Error(w, "store unhealthy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz returns 200 if the store is initialized and the sweeper has
// run within two intervals.
func (h *HTTPHandler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !h.storeInit.Load() {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	if _, err := h.store.GetLastSweepTime(r.Context()); err != nil {
		http.Error(w, "store unhealthy", http.StatusServiceUnavailable)
		return
	}

	if h.sweeper != nil {
		lastSweep, err := h.sweeper.GetLastSweepTime(r.Context())
		if err == nil && !lastSweep.IsZero() {
			if time.Since(lastSweep) > 2*h.sweeper.Interval() {
				http.Error(w, "sweeper stalled", http.StatusServiceUnavailable)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			jww.WARN.Printf("http: failed to encode response: %v", err)
		}
	}
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, err string) {
	JSON(w, status, model.ErrorResponse{Success: false, Error: err})
}
