package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/model"
)

// capabilitiesResponse lists the graph's capability nodes.
type capabilitiesResponse struct {
	Capabilities []model.Capability `json:"capabilities"`
	Nodes        int                `json:"nodes"`
	Edges        int                `json:"edges"`
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	nodes := s.graph.Nodes()
	if nodes == nil {
		nodes = []model.Capability{}
	}
	s.writeJSON(w, http.StatusOK, capabilitiesResponse{
		Capabilities: nodes,
		Nodes:        len(nodes),
		Edges:        s.graph.EdgeCount(),
	})
}

func (s *Server) handleDeprecateCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.graph.Deprecate(id); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "capability not found")
			return
		}
		s.logger.Error("deprecate capability", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to deprecate capability")
		return
	}

	node, err := s.graph.Node(id)
	if err != nil {
		s.logger.Error("get deprecated capability", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve capability")
		return
	}

	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
