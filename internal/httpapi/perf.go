package httpapi

import "net/http"

// handlePerfTurns reports rolling latency per tool loop stage.
func (s *Server) handlePerfTurns(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	respondJSON(w, http.StatusOK, map[string]any{
		"max_round_trips": s.cfg.MaxToolIterations,
		"snapshot":        snap,
	})
}

func (s *Server) handleResetPerfTurns(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetTurnStages()
	w.WriteHeader(http.StatusNoContent)
}
