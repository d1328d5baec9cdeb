package status

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var statusRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keel_status_requests_total",
		Help: "Status server requests.",
	},
	[]string{"path", "code"},
)

func init() {
	prometheus.MustRegister(statusRequests)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		statusRequests.WithLabelValues(routePattern(r), strconv.Itoa(code)).Inc()
	})
}

// routePattern keeps label cardinality bounded to registered routes.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
