package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/containers"
	"github.com/nimathing2052/HGPU/internal/session"
)

// withContainers runs fn with a container service bound to the caller's
// session and records the action.
func (s *Server) withContainers(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, svc *containers.Service) (interface{}, error)) {
	sess := currentSession(r)
	svc := s.newContainers(sess)
	defer svc.Close()

	start := time.Now()
	out, err := fn(r.Context(), svc)
	if action != "" {
		s.recordContainer(sess, action, err, time.Since(start))
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recordContainer(sess *session.Session, action string, err error, elapsed time.Duration) {
	e := audit.Entry{
		SessionID: sess.ID,
		Username:  sess.User,
		EventType: audit.EventContainer,
		Outcome:   "succeeded",
		Details:   action,
		Duration:  elapsed,
	}
	if err != nil {
		e.Outcome = "failed"
		e.Details = action + ": " + err.Error()
	}
	s.record(e)
}

// ListContainers lists the user's ML containers.
func (s *Server) ListContainers(w http.ResponseWriter, r *http.Request) {
	s.withContainers(w, r, "", func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		list, err := svc.List(ctx)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []containers.Container{}
		}
		return map[string]interface{}{"containers": list}, nil
	})
}

// CreateContainer creates a container from a framework and version.
func (s *Server) CreateContainer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		Framework string `json:"framework"`
		Version   string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	action := fmt.Sprintf("create %s %s-%s", body.Name, body.Framework, body.Version)
	s.withContainers(w, r, action, func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		if err := svc.Create(ctx, body.Name, body.Framework, body.Version); err != nil {
			return nil, err
		}
		return map[string]string{"status": "created", "name": body.Name}, nil
	})
}

// StartContainer starts a stopped container.
func (s *Server) StartContainer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.withContainers(w, r, "start "+name, func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		if err := svc.Start(ctx, name); err != nil {
			return nil, err
		}
		return map[string]string{"status": "started", "name": name}, nil
	})
}

// StopContainer stops a running container.
func (s *Server) StopContainer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.withContainers(w, r, "stop "+name, func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		if err := svc.Stop(ctx, name); err != nil {
			return nil, err
		}
		return map[string]string{"status": "stopped", "name": name}, nil
	})
}

// RemoveContainer deletes a container, answering mlc-remove's prompt.
func (s *Server) RemoveContainer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.withContainers(w, r, "remove "+name, func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		if err := svc.Remove(ctx, name); err != nil {
			return nil, err
		}
		return map[string]string{"status": "removed", "name": name}, nil
	})
}

// LaunchJupyter starts JupyterLab in the container and forwards a local
// port to it through the caller's session.
func (s *Server) LaunchJupyter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess := currentSession(r)
	s.withContainers(w, r, "jupyter "+name, func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		ep, err := svc.StartJupyter(ctx, name)
		if err != nil {
			return nil, err
		}
		h, err := sess.OpenTunnel(ctx, ep)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"url":    fmt.Sprintf("http://localhost:%d/lab", h.Port()),
			"tunnel": h.Info(),
		}, nil
	})
}

// StopJupyter ends the container's JupyterLab. Tunnels to it are closed
// separately through DELETE /api/tunnels/{id}.
func (s *Server) StopJupyter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.withContainers(w, r, "stop jupyter "+name, func(ctx context.Context, svc *containers.Service) (interface{}, error) {
		if err := svc.StopJupyter(ctx, name); err != nil {
			return nil, err
		}
		return map[string]string{"status": "stopped", "name": name}, nil
	})
}
