package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total      int                `json:"total"`
	Committed  int                `json:"committed"`
	Discarded  int                `json:"discarded"`
	HitRate    float64            `json:"hit_rate"`
	WastedMS   int64              `json:"wasted_ms"`
	ByReason   map[string]int     `json:"by_reason"`
	Thresholds map[string]float64 `json:"thresholds"`
	GraphNodes int                `json:"graph_nodes"`
	GraphEdges int                `json:"graph_edges"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSpeculationStats(r.Context())
	if err != nil {
		s.logger.Error("get speculation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:      stats.Total,
		Committed:  stats.Committed,
		Discarded:  stats.Discarded,
		HitRate:    stats.HitRate,
		WastedMS:   stats.WastedMS,
		ByReason:   stats.CountByReason,
		Thresholds: s.thresholds.Values(),
		GraphNodes: s.graph.NodeCount(),
		GraphEdges: s.graph.EdgeCount(),
	})
}
