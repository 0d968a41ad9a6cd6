package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimathing2052/HGPU/internal/tunnel"
)

// OpenTunnel forwards a free local port to a host:port reachable from the
// compute server.
func (s *Server) OpenTunnel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Host == "" {
		body.Host = "localhost"
	}
	if body.Port <= 0 || body.Port > 65535 {
		writeError(w, http.StatusBadRequest, "Port must be between 1 and 65535")
		return
	}

	h, err := currentSession(r).OpenTunnel(r.Context(), tunnel.Endpoint{Host: body.Host, Port: body.Port})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Info())
}

// CloseTunnel stops one of the caller's tunnels.
func (s *Server) CloseTunnel(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := sess.CloseTunnel(chi.URLParam(r, "id"), s.tunnelCloseTimeout); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
