package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// Server dispatches decrypted requests to registered handlers
type Server struct {
	codec    *Codec
	registry *Registry
	log      *log.Entry
}

// NewServer creates a server for the registry
func NewServer(codec *Codec, registry *Registry) *Server {
	return &Server{
		codec:    codec,
		registry: registry,
		log:      log.WithField("component", "rpc"),
	}
}

// RegisterRoutes mounts the RPC endpoint on r
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/{token}", s.ServeRPC)
}

// Handler returns a router serving only the RPC endpoint
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// ServeRPC handles GET /{token}
func (s *Server) ServeRPC(w http.ResponseWriter, r *http.Request) {
	method, args, err := s.codec.Decode(chi.URLParam(r, "token"))
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("rejected rpc request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger := s.log.WithField("method", method)
	h, ok := s.registry.Lookup(method)
	if !ok {
		logger.Warn("unknown rpc method")
		http.Error(w, "unknown method "+method, http.StatusNotFound)
		return
	}

	result, err := h(r.Context(), args)
	if err != nil {
		logger.WithError(err).Info("rpc handler failed")
		status := http.StatusUnprocessableEntity
		if errors.Is(err, ErrBadArgument) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.WithError(err).Error("failed to encode rpc response")
	}
}
