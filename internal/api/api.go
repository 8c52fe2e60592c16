package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/homelab/remu/internal/datastore"
)

// API serves the admin surface over the datastore and the scheduler
type API struct {
	store     *datastore.Datastore
	checkouts Checkouts
	gatherer  prometheus.Gatherer
}

// NewAPI creates the admin API. A nil gatherer serves the default registry.
func NewAPI(ds *datastore.Datastore, checkouts Checkouts, gatherer prometheus.Gatherer) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{store: ds, checkouts: checkouts, gatherer: gatherer}
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/", healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	nodes := NewNodes(a.store)
	r.Route("/api/v0/nodes", func(r chi.Router) {
		r.Get("/", nodes.ListNodesHandler)
		r.Post("/", nodes.CreateNodeHandler)
		r.Delete("/{address}", nodes.DeleteNodeHandler)
	})

	sessions := NewSessions(a.store, a.checkouts)
	workshops := NewWorkshops(a.store)
	r.Route("/api/v0/workshops", func(r chi.Router) {
		r.Get("/", workshops.ListWorkshopsHandler)
		r.Post("/", workshops.SaveWorkshopHandler)
		r.Get("/{name}", workshops.GetWorkshopHandler)
		r.Delete("/{name}", workshops.DeleteWorkshopHandler)
		r.Get("/{name}/sessions", sessions.ListWorkshopSessionsHandler)
		r.Post("/{name}/sessions", sessions.StartSessionHandler)
	})

	r.Route("/api/v0/sessions", func(r chi.Router) {
		r.Get("/", sessions.ListSessionsHandler)
		r.Delete("/{id}", sessions.StopSessionHandler)
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
