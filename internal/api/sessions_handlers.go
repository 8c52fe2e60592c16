package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/scheduler"
)

// SessionsStore defines the datastore interface for session handlers
type SessionsStore interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListWorkshopSessions(ctx context.Context, workshop string) ([]domain.Session, error)
}

// Checkouts starts and stops workshop sessions
type Checkouts interface {
	StartWorkshop(ctx context.Context, name string) (*scheduler.Checkout, error)
	StopWorkshop(ctx context.Context, sessionID string) error
}

// Sessions groups session handlers for testability
type Sessions struct {
	store     SessionsStore
	checkouts Checkouts
}

func NewSessions(store SessionsStore, checkouts Checkouts) *Sessions {
	return &Sessions{store: store, checkouts: checkouts}
}

// SessionResponse lists a session without its password
type SessionResponse struct {
	ID          string    `json:"id"`
	Node        string    `json:"node"`
	Workshop    string    `json:"workshop"`
	Available   bool      `json:"available"`
	StartedAt   time.Time `json:"started_at"`
	Ports       []int     `json:"ports"`
	Idle        bool      `json:"idle"`
	MachineRefs []string  `json:"machines"`
}

func toSessionResponses(sessions []domain.Session) []SessionResponse {
	response := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		names := make([]string, len(s.Machines))
		for j, m := range s.Machines {
			names[j] = m.Name
		}
		ports := s.Ports()
		if ports == nil {
			ports = []int{}
		}
		response[i] = SessionResponse{
			ID:          s.ID,
			Node:        s.NodeAddress,
			Workshop:    s.Workshop,
			Available:   s.Available,
			StartedAt:   s.StartedAt,
			Ports:       ports,
			Idle:        s.Idle(),
			MachineRefs: names,
		}
	}
	return response
}

func (h *Sessions) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponses(sessions))
}

// ListWorkshopSessionsHandler lists the sessions of the workshop named in the path
func (h *Sessions) ListWorkshopSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListWorkshopSessions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponses(sessions))
}

// StartSessionHandler checks out a unit of the workshop named in the path
func (h *Sessions) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	checkout, err := h.checkouts.StartWorkshop(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}

func (h *Sessions) StopSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.checkouts.StopWorkshop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
