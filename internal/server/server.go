// Package server assembles the HTTP surface of the relay: the websocket
// endpoint, the status API and the Prometheus scrape endpoint.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/pliu/wala/internal/handlers"
	"github.com/pliu/wala/internal/middleware"
)

type Options struct {
	Addr string

	Relay     handlers.StatsSource
	WebSocket http.Handler

	CORSOrigins []string
	// RateLimiter applies to /api routes only; nil disables it.
	RateLimiter *middleware.RateLimiter
	Registry    *prometheus.Registry
	Logger      zerolog.Logger
}

// NewRouter registers every route and the shared middleware chain.
func NewRouter(opts Options) *mux.Router {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(opts.Logger))
	r.Use(middleware.MetricsMiddleware(reg))
	r.Use(middleware.SecurityHeaders)

	status := &handlers.StatusHandler{Relay: opts.Relay}
	api := r.PathPrefix("/api").Subrouter()
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Middleware)
	}
	api.HandleFunc("/health", status.Health).Methods(http.MethodGet)
	api.HandleFunc("/stats", status.Stats).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Handle("/ws", opts.WebSocket).Methods(http.MethodGet)

	return r
}

// NewServer returns an HTTP server initialized with the relay's handlers.
func NewServer(opts Options) *http.Server {
	c := cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedHeaders: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodOptions,
			http.MethodHead},
	})

	// the websocket upgrade clears these deadlines on hijacked connections
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           c.Handler(NewRouter(opts)),
		ReadHeaderTimeout: time.Second * 10,
		WriteTimeout:      time.Second * 15,
		ReadTimeout:       time.Second * 15,
		IdleTimeout:       time.Second * 60,
	}
}
