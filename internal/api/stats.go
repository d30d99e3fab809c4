package api

import (
	"net/http"

	"github.com/seantiz/pneumoscan/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByResult      map[string]int `json:"by_result"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	SuccessRate   float64        `json:"success_rate"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByResult:      stats.CountByResult,
		AvgDurationMS: stats.AvgDurationMS,
	}
	if stats.Total > 0 {
		resp.SuccessRate = float64(stats.CountByStatus[model.StatusSucceeded]) / float64(stats.Total)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
