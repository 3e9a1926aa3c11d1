package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/metrics"
)

// Deps are the components the HTTP surface is built from.
type Deps struct {
	WS     *WSHandler
	Panel  *Panel
	Status func() Status
	// Gatherer is exposed at /metrics when non-nil.
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(d.Log))

	// Editors connect to the root; /ws is an alias.
	r.Get("/", d.WS.HandleWS)
	r.Get("/ws", d.WS.HandleWS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			handleStatus(w, r, d.Status)
		})
		r.Get("/logs/ws", d.Panel.handleLogStream)

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", d.Panel.handleList)
			r.Delete("/", d.Panel.handleClear)
			r.Get("/doc", d.Panel.handleGet)
			r.Put("/doc", d.Panel.handlePut)
			r.Delete("/doc", d.Panel.handleDelete)
			r.Get("/history", d.Panel.handleHistory)
			r.Post("/load", d.Panel.handleLoad)
			r.Post("/push", d.Panel.handlePush)
		})
	})

	return r
}
