// Package handlers serves the portal's HTTP API.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/config"
	"github.com/nimathing2052/HGPU/internal/containers"
	"github.com/nimathing2052/HGPU/internal/metrics"
	"github.com/nimathing2052/HGPU/internal/session"
)

// SessionCookie carries the session ID.
const SessionCookie = "hgpu_session"

// EventQuerier reads the audit trail.
type EventQuerier interface {
	Query(opts audit.QueryOptions) (*audit.QueryResult, error)
}

// Server holds the dependencies of every route.
type Server struct {
	store  *session.Store
	rec    session.Recorder
	events EventQuerier
	gather prometheus.Gatherer

	stopTimeout        time.Duration
	tunnelCloseTimeout time.Duration
	cookieSecure       bool
	containerOpts      containers.Options
	logins             *loginLimiter
	logPath            string
	admins             map[string]bool

	// newContainers builds the container service for a session. Tests
	// replace it to avoid a docker client.
	newContainers func(containers.Runner) *containers.Service
}

// Deps are the collaborators a Server needs. Recorder, Events and Gatherer
// may be nil.
type Deps struct {
	Store    *session.Store
	Recorder session.Recorder
	Events   EventQuerier
	Gatherer prometheus.Gatherer
}

// New returns a Server configured from cfg.
func New(cfg config.Settings, deps Deps) *Server {
	s := &Server{
		store:        deps.Store,
		rec:          deps.Recorder,
		events:       deps.Events,
		gather:       deps.Gatherer,
		stopTimeout:        cfg.SessionStopTimeout,
		tunnelCloseTimeout: cfg.TunnelCloseTimeout,
		cookieSecure:       cfg.CookieSecure,
		logPath:            cfg.LogPath,
		admins:             make(map[string]bool, len(cfg.AdminUsers)),
		containerOpts: containers.Options{
			MLCDir:             cfg.MLCDir,
			DockerSocket:       cfg.DockerSocket,
			JupyterPort:        cfg.DefaultJupyterPort,
			CommandTimeout:     cfg.CommandTimeout,
			InteractiveTimeout: cfg.InteractiveTimeout,
		},
		logins: newLoginLimiter(cfg.LoginAttemptsPerMin),
	}
	for _, u := range cfg.AdminUsers {
		s.admins[u] = true
	}
	s.newContainers = func(r containers.Runner) *containers.Service {
		return containers.New(r, nil, s.containerOpts)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.Health)
	if s.gather != nil {
		r.Handle("/metrics", metrics.Handler(s.gather))
	}
	r.Post("/api/login", s.Login)
	r.Post("/api/logout", s.Logout)
	r.Post("/logout", s.Logout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Post("/stop/{id}", s.Stop)
		r.Get("/api/session", s.CurrentSession)

		r.Post("/api/tunnels", s.OpenTunnel)
		r.Delete("/api/tunnels/{id}", s.CloseTunnel)

		r.Get("/api/gpus", s.GPUs)

		r.Get("/api/containers", s.ListContainers)
		r.Post("/api/containers", s.CreateContainer)
		r.Post("/api/containers/{name}/start", s.StartContainer)
		r.Post("/api/containers/{name}/stop", s.StopContainer)
		r.Post("/api/containers/{name}/jupyter", s.LaunchJupyter)
		r.Delete("/api/containers/{name}/jupyter", s.StopJupyter)
		r.Delete("/api/containers/{name}", s.RemoveContainer)

		r.Get("/api/events", s.Events)
		r.Get("/api/terminal", s.Terminal)
		r.Get("/api/server-logs", s.ServerLogs)
	})
	return r
}

type contextKey string

const sessionContextKey contextKey = "session"

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		sess, err := s.store.Get(cookie.Value)
		if err != nil || sess.State() != session.StateActive {
			s.clearSessionCookie(w, r)
			writeError(w, http.StatusUnauthorized, "Session expired")
			return
		}
		sess.Touch()
		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentSession returns the session attached by requireSession.
func currentSession(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionContextKey).(*session.Session)
	return sess
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (s *Server) record(e audit.Entry) {
	if s.rec != nil {
		s.rec.Record(e)
	}
}
