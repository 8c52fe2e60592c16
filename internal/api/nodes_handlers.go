package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// NodesStore defines the datastore interface for node handlers
type NodesStore interface {
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	InsertNode(ctx context.Context, node domain.Node) error
	RemoveNode(ctx context.Context, address string) error
}

// Nodes groups node handlers for testability
type Nodes struct {
	store NodesStore
}

func NewNodes(store NodesStore) *Nodes {
	return &Nodes{store: store}
}

type CreateNodeRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type NodeResponse struct {
	Address         string                 `json:"address"`
	Port            int                    `json:"port"`
	Gauges          *domain.ResourceGauges `json:"gauges,omitempty"`
	StatusUpdatedAt *time.Time             `json:"status_updated_at,omitempty"`
	Sessions        int                    `json:"sessions"`
}

func toNodeResponse(n *domain.Node) NodeResponse {
	return NodeResponse{
		Address:         n.Address,
		Port:            n.Port,
		Gauges:          n.Gauges,
		StatusUpdatedAt: n.StatusUpdatedAt,
		Sessions:        n.CountSessions(),
	}
}

func (n *Nodes) ListNodesHandler(w http.ResponseWriter, r *http.Request) {
	nodes, err := n.store.ListNodes(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response := make([]NodeResponse, len(nodes))
	for i, node := range nodes {
		response[i] = toNodeResponse(node)
	}
	writeJSON(w, http.StatusOK, response)
}

func (n *Nodes) CreateNodeHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Address == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "Address and a valid port are required")
		return
	}

	node := domain.Node{Address: req.Address, Port: req.Port}
	if err := n.store.InsertNode(r.Context(), node); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNodeResponse(&node))
}

func (n *Nodes) DeleteNodeHandler(w http.ResponseWriter, r *http.Request) {
	if err := n.store.RemoveNode(r.Context(), chi.URLParam(r, "address")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
