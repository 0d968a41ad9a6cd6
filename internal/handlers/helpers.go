package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/nimathing2052/HGPU/internal/containers"
	"github.com/nimathing2052/HGPU/internal/gpu"
	"github.com/nimathing2052/HGPU/internal/portpool"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, remote.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, portpool.ErrPoolExhausted), errors.Is(err, session.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrTunnelNotFound), errors.Is(err, gpu.ErrNoGPUs):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotActive), errors.Is(err, remote.ErrClosed), errors.Is(err, containers.ErrContainerNotRunning):
		return http.StatusConflict
	case errors.Is(err, containers.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// clientIP returns the request's source address without the port. RealIP
// has already applied any forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
