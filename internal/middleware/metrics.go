package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsMiddleware counts requests and observes their latency, labelled by
// route template rather than raw path.
func MetricsMiddleware(reg prometheus.Registerer) mux.MiddlewareFunc {
	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wala",
			Name:      "http_requests_total",
			Help:      "Tracks the number of HTTP requests.",
		}, []string{"route", "method", "code"},
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wala",
			Name:      "http_request_duration_seconds",
			Help:      "Tracks the latencies for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"},
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeName(r)
			labels := prometheus.Labels{"route": route}
			promhttp.InstrumentHandlerCounter(
				requestsTotal.MustCurryWith(labels),
				promhttp.InstrumentHandlerDuration(
					requestDuration.MustCurryWith(labels),
					next,
				),
			).ServeHTTP(w, r)
		})
	}
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
