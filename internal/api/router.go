// Package api exposes the relay to callers over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/voicerelay/internal/callers"
	"github.com/gaspardpetit/voicerelay/internal/drain"
	"github.com/gaspardpetit/voicerelay/internal/hostproc"
	"github.com/gaspardpetit/voicerelay/internal/relay"
)

// Relay is the part of *relay.Dispatcher the API drives.
type Relay interface {
	Submit(ctx context.Context, req relay.Request, c relay.Caller) (string, error)
	Reconnect(ctx context.Context) error
	Control(ctx context.Context, command string) (string, error)
	Disconnect() bool
	Cancel(id string) bool
	Status() relay.Status
}

// StateReader returns the last published relay status.
type StateReader interface {
	Load() relay.Status
}

// Options configures the router.
type Options struct {
	Relay          Relay
	Hub            *callers.Hub
	AllowedOrigins []string
	APIKey         string
	// MaxBodyBytes bounds request bodies; zero means 8 MiB.
	MaxBodyBytes int64
	// State, when set, serves /api/state from the published snapshot instead
	// of asking the relay.
	State StateReader
	// Drain, when draining, turns new requests away.
	Drain *drain.Gate
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	// HostStats looks up process statistics for the host pid. Defaults to
	// hostproc.Lookup.
	HostStats func(ctx context.Context, pid int) (hostproc.Stats, error)
}

type handler struct {
	relay      Relay
	hub        *callers.Hub
	maxBody    int64
	origins    []string
	drain      *drain.Gate
	stateStore StateReader
	hostStats  func(ctx context.Context, pid int) (hostproc.Stats, error)
}

// NewRouter builds the HTTP handler.
func NewRouter(o Options) http.Handler {
	h := &handler{
		relay:      o.Relay,
		hub:        o.Hub,
		maxBody:    o.MaxBodyBytes,
		origins:    o.AllowedOrigins,
		drain:      o.Drain,
		stateStore: o.State,
		hostStats:  o.HostStats,
	}
	if h.maxBody <= 0 {
		h.maxBody = 8 << 20
	}
	if h.hostStats == nil {
		h.hostStats = hostproc.Lookup
	}

	r := chi.NewRouter()
	if len(o.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: o.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyMiddleware(o.APIKey))
		r.Post("/requests", h.submit)
		r.Delete("/requests/{id}", h.cancel)
		r.Get("/callers/{caller}/results", h.results)
		r.Get("/callers/{caller}/ws", h.stream)
		r.Post("/native/{action}", h.native)
		r.Get("/state", h.state)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.drain.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	if o.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
