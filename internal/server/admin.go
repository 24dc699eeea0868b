package server

import "net/http"

func (s *Server) handleStopStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stopped": s.stop.IsSet()})
}

func (s *Server) handleStopInference(w http.ResponseWriter, r *http.Request) {
	if err := s.stop.Set(); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "stop flag write failed")
		return
	}
	s.logger.Warn(r.Context(), "inference stop flag set")
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleClearStop(w http.ResponseWriter, r *http.Request) {
	if err := s.stop.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "stop flag clear failed")
		return
	}
	s.logger.Info(r.Context(), "inference stop flag cleared")
	writeJSON(w, http.StatusOK, map[string]any{"stopped": false})
}
