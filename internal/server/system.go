package server

import (
	"context"
	"net/http"
	"syscall"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "quill",
		"status":  "ok",
		"endpoints": []string{
			"/v1/chat/completions",
			"/v1/models",
			"/api/jobs",
			"/api/chat/sessions",
			"/api/auth/login",
			"/api/tools",
			"/api/health",
			"/metrics",
		},
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids, err := s.backend.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errTypeUnavailable, "inference backend unavailable")
		return
	}
	list := models.ModelList{Object: "list", Data: make([]models.ModelInfo, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, models.ModelInfo{
			ID:      id,
			Object:  "model",
			Created: s.startTime.Unix(),
			OwnedBy: "quill",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.Descriptions()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probeCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	backendUp := s.backend.IsAvailable(probeCtx)

	status := "ok"
	if !backendUp {
		status = "degraded"
	}

	body := map[string]any{
		"status":      status,
		"uptime_s":    int64(time.Since(s.startTime).Seconds()),
		"backend":     map[string]any{"host": s.config.Backend.Host, "available": backendUp},
		"stop_active": s.stop.IsSet(),
		"config": map[string]any{
			"default_model":  s.config.Backend.DefaultModel,
			"max_iterations": s.config.Agent.MaxIterations,
			"data_dir":       s.config.Data.Dir,
		},
	}
	if disk := diskUsage(s.config.Data.Dir); disk != nil {
		body["disk"] = disk
	}
	writeJSON(w, http.StatusOK, body)
}

func diskUsage(path string) map[string]any {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	return map[string]any{
		"total_bytes": total,
		"free_bytes":  free,
		"used_bytes":  total - free,
	}
}
