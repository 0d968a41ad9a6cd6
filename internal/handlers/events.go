package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nimathing2052/HGPU/internal/audit"
)

// Events returns the caller's audit trail, newest first.
//
// Query parameters: event_type, session_id, since (RFC 3339), limit, offset.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log not available")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		Username:  currentSession(r).User,
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	res, err := s.events.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
