package endpoints

import (
	"net/http"
	"slices"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/circuitbreaker"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/waterfall"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// AdminHandler exposes breaker and waterfall introspection
type AdminHandler struct {
	breakers  *circuitbreaker.Registry
	adapters  *adapters.Registry
	waterfall *waterfall.Orchestrator
}

// NewAdminHandler creates the admin handler set
func NewAdminHandler(breakers *circuitbreaker.Registry, registry *adapters.Registry, wf *waterfall.Orchestrator) *AdminHandler {
	return &AdminHandler{breakers: breakers, adapters: registry, waterfall: wf}
}

// Register mounts the admin routes on mux, each wrapped by guard
func (h *AdminHandler) Register(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	if guard == nil {
		guard = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /admin/breakers", guard(http.HandlerFunc(h.Breakers)))
	mux.Handle("GET /admin/breakers/health", guard(http.HandlerFunc(h.BreakerHealth)))
	mux.Handle("POST /admin/breakers/{id}/{action}", guard(http.HandlerFunc(h.BreakerAction)))
	mux.Handle("GET /admin/waterfall/stats", guard(http.HandlerFunc(h.WaterfallStats)))
	mux.Handle("POST /admin/waterfall/stats/reset", guard(http.HandlerFunc(h.ResetWaterfallStats)))
}

// Breakers lists the stats of every known breaker
func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.GetAllStats())
}

// BreakerHealth returns the healthy/degraded/failed summary
func (h *AdminHandler) BreakerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.GetHealthSummary())
}

// BreakerAction forces a breaker open, closed, or back to its initial state
func (h *AdminHandler) BreakerAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.adapters.Get(id); !ok && !slices.Contains(h.breakers.IDs(), id) {
		writeError(w, "unknown adapter: "+id, http.StatusNotFound)
		return
	}

	b := h.breakers.GetBreaker(id, nil)
	action := r.PathValue("action")
	switch action {
	case "open":
		b.Open()
	case "close":
		b.Close()
	case "reset":
		b.Reset()
	default:
		writeError(w, "unknown action: "+action, http.StatusNotFound)
		return
	}

	l := logger.HTTP()
	l.Info().
		Str("adapter", id).
		Str("action", action).
		Str("remote_addr", r.RemoteAddr).
		Msg("Circuit breaker changed by admin")

	writeJSON(w, http.StatusOK, b.Stats())
}

// WaterfallStats returns the process-wide waterfall counters
func (h *AdminHandler) WaterfallStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.waterfall.GetWaterfallStats())
}

// ResetWaterfallStats zeroes the waterfall counters
func (h *AdminHandler) ResetWaterfallStats(w http.ResponseWriter, r *http.Request) {
	h.waterfall.ResetWaterfallStats()
	writeJSON(w, http.StatusOK, h.waterfall.GetWaterfallStats())
}
