// Package diagnostics implements the loopback-only HTTP surface
// SPEC_FULL.md §4.11 adds: /healthz and /debugz/queues. It is off by
// default and only binds when --diagnostics-addr is set; the router
// wiring (RequestID/RealIP/Recoverer/request logging) follows the
// teacher's server/internal/api/router.go.
package diagnostics

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/registry"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/router"
)

// Deps are the components the diagnostics handlers report on.
type Deps struct {
	BRPClient *brp.Client
	Router    *router.Router
	Registry  *registry.Registry
	Logger    *zap.Logger
}

// NewRouter builds the diagnostics HTTP handler. Callers must bind it to
// a loopback address only (127.0.0.1:<port>) — this surface carries no
// authentication of its own.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(deps))
	r.Get("/debugz/queues", queuesHandler(deps))

	return r
}

type healthzResponse struct {
	Status           string `json:"status"`
	BRPConnectionState string `json:"brp_connection_state"`
}

func healthzHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := deps.BRPClient.State()
		resp := healthzResponse{Status: "ok", BRPConnectionState: state.Phase.String()}
		writeJSON(w, http.StatusOK, resp)
	}
}

type queuesResponse struct {
	RouterQueueDepth  int                 `json:"router_queue_depth"`
	BRPQueuedRequests int                 `json:"brp_queued_requests"`
	BRPInFlight       int                 `json:"brp_in_flight"`
	RateBuckets       []domain.RateBucket `json:"rate_buckets,omitempty"`
}

func queuesHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics := deps.BRPClient.Metrics()
		resp := queuesResponse{
			RouterQueueDepth:  deps.Router.Depth(),
			BRPQueuedRequests: metrics.QueuedRequests,
			BRPInFlight:       metrics.InFlight,
		}
		if deps.Registry != nil {
			resp.RateBuckets = deps.Registry.RateBuckets()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs every diagnostics request at debug level — this
// surface is low-traffic and internal, so info-level would be noisy.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			logger.Debug("diagnostics request", zap.String("method", req.Method), zap.String("path", req.URL.Path))
			next.ServeHTTP(w, req)
		})
	}
}
