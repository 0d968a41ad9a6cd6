package handlers

import (
	"net/http"
	"strconv"

	"github.com/nimathing2052/HGPU/internal/logging"
)

const maxLogLines = 5000

// ServerLogs returns the tail of the server log to admin users.
func (s *Server) ServerLogs(w http.ResponseWriter, r *http.Request) {
	if !s.admins[currentSession(r).User] {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}

	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxLogLines)
		}
	}

	content, err := logging.ReadTail(s.logPath, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
