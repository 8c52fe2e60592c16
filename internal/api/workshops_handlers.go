package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/repository"
)

// WorkshopsStore defines the datastore interface for workshop handlers
type WorkshopsStore interface {
	ListWorkshops(ctx context.Context) ([]domain.Workshop, error)
	GetWorkshop(ctx context.Context, name string) (*domain.Workshop, error)
	GetWorkshopByID(ctx context.Context, id int64) (*domain.Workshop, error)
	SaveWorkshop(ctx context.Context, w domain.Workshop) (domain.Workshop, error)
	RemoveWorkshop(ctx context.Context, name string) error
}

// Workshops groups workshop handlers for testability
type Workshops struct {
	store WorkshopsStore
}

func NewWorkshops(store WorkshopsStore) *Workshops {
	return &Workshops{store: store}
}

// WorkshopRequest creates or replaces a workshop by name
type WorkshopRequest struct {
	Name         string `json:"name"`
	Label        string `json:"label"`
	Description  string `json:"description"`
	MinInstances int    `json:"min_instances"`
	MaxInstances int    `json:"max_instances"`
	Enabled      bool   `json:"enabled"`
}

type WorkshopResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Label        string `json:"label,omitempty"`
	Description  string `json:"description,omitempty"`
	MinInstances int    `json:"min_instances"`
	MaxInstances int    `json:"max_instances"`
	Enabled      bool   `json:"enabled"`
}

func toWorkshopResponse(w domain.Workshop) WorkshopResponse {
	return WorkshopResponse{
		ID:           w.ID,
		Name:         w.Name,
		Label:        w.Label,
		Description:  w.Description,
		MinInstances: w.MinInstances,
		MaxInstances: w.MaxInstances,
		Enabled:      w.Enabled,
	}
}

func (h *Workshops) ListWorkshopsHandler(w http.ResponseWriter, r *http.Request) {
	workshops, err := h.store.ListWorkshops(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response := make([]WorkshopResponse, len(workshops))
	for i, ws := range workshops {
		response[i] = toWorkshopResponse(ws)
	}
	writeJSON(w, http.StatusOK, response)
}

// SaveWorkshopHandler creates the workshop, or updates it when the name exists
func (h *Workshops) SaveWorkshopHandler(w http.ResponseWriter, r *http.Request) {
	var req WorkshopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}

	ws := domain.Workshop{
		Name:         req.Name,
		Label:        req.Label,
		Description:  req.Description,
		MinInstances: req.MinInstances,
		MaxInstances: req.MaxInstances,
		Enabled:      req.Enabled,
	}
	status := http.StatusCreated
	if existing, err := h.store.GetWorkshop(r.Context(), req.Name); err == nil {
		ws.ID = existing.ID
		status = http.StatusOK
	}

	saved, err := h.store.SaveWorkshop(r.Context(), ws)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, status, toWorkshopResponse(saved))
}

// GetWorkshopHandler looks the workshop up by name, then by numeric id
func (h *Workshops) GetWorkshopHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "name")
	ws, err := h.store.GetWorkshop(r.Context(), key)
	if errors.Is(err, repository.ErrNotFound) {
		if id, convErr := strconv.ParseInt(key, 10, 64); convErr == nil {
			ws, err = h.store.GetWorkshopByID(r.Context(), id)
		}
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkshopResponse(*ws))
}

func (h *Workshops) DeleteWorkshopHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveWorkshop(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
