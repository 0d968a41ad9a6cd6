package handlers

import (
	"net/http"

	"github.com/nimathing2052/HGPU/internal/gpu"
)

// GPUs reports per-device load and the least loaded device.
func (s *Server) GPUs(w http.ResponseWriter, r *http.Request) {
	gpus, err := gpu.Usage(r.Context(), currentSession(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	best, _ := gpu.LeastLoaded(gpus)
	summaries := make([]string, len(gpus))
	for i, g := range gpus {
		summaries[i] = g.Summary()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gpus":         gpus,
		"summary":      summaries,
		"least_loaded": best.Index,
	})
}
