package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/nimathing2052/HGPU/internal/audit"
	"github.com/nimathing2052/HGPU/internal/logutil"
	"github.com/nimathing2052/HGPU/internal/remote"
	"github.com/nimathing2052/HGPU/internal/session"
)

// maxTrackedLogins bounds the limiter map; it is reset when exceeded.
const maxTrackedLogins = 10000

// loginLimiter throttles login attempts per username, so that one user
// cannot hammer the compute server's sshd through the portal.
type loginLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newLoginLimiter(perMin int) *loginLimiter {
	return &loginLimiter{perMin: perMin, limiters: make(map[string]*rate.Limiter)}
}

func (l *loginLimiter) allow(user string) bool {
	if l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[user]
	if !ok {
		if len(l.limiters) >= maxTrackedLogins {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.limiters[user] = lim
	}
	return lim.Allow()
}

// Login connects to the compute server with the posted credentials and
// sets the session cookie. The password only lives in the request.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var creds remote.Credentials
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		creds.Username = r.PostForm.Get("username")
		creds.Password = r.PostForm.Get("password")
	} else {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		creds = remote.Credentials{Username: body.Username, Password: body.Password}
	}

	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	ip := clientIP(r)
	if !s.logins.allow(creds.Username) {
		log.Printf("[session] login throttled for %s from %s", logutil.SanitizeForLog(creds.Username), ip)
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
		return
	}

	start := time.Now()
	sess, err := s.store.Create(r.Context(), creds)
	if err != nil {
		s.record(audit.Entry{
			Username:  creds.Username,
			EventType: audit.EventLoginFailed,
			Outcome:   "failed",
			SourceIP:  ip,
			Details:   err.Error(),
			Duration:  time.Since(start),
		})
		status := statusFor(err)
		detail := err.Error()
		if errors.Is(err, remote.ErrAuthFailed) {
			detail = "Invalid username or password"
		}
		writeError(w, status, detail)
		return
	}

	s.record(audit.Entry{
		SessionID: sess.ID,
		Username:  sess.User,
		EventType: audit.EventLogin,
		Outcome:   "succeeded",
		SourceIP:  ip,
		Duration:  time.Since(start),
	})
	s.setSessionCookie(w, r, sess.ID)
	writeJSON(w, http.StatusOK, sess.Info())
}

// Logout tears down the caller's session, if any, and always succeeds.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		if err := s.store.Logout(cookie.Value, s.stopTimeout); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("[session] logout %s: %v", logutil.SanitizeForLog(cookie.Value), err)
		}
	}
	s.clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stop removes one of the caller's sessions.
func (s *Server) Stop(w http.ResponseWriter, r *http.Request) {
	caller := currentSession(r)
	id := chi.URLParam(r, "id")

	target, err := s.store.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if target.User != caller.User {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	err = s.store.Remove(id, s.stopTimeout)
	if id == caller.ID {
		s.clearSessionCookie(w, r)
	}
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		// The session is unregistered either way; the teardown was not
		// confirmed clean.
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "warning": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// CurrentSession describes the caller's session and lists the user's
// other sessions.
func (s *Server) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	others := s.store.ListForUser(sess.User)
	infos := make([]session.Info, 0, len(others))
	for _, o := range others {
		infos = append(infos, o.Info())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":  sess.Info(),
		"sessions": infos,
	})
}

// Health reports store and pool counts without waiting on any teardown.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	st := s.store.Stats()
	status := "healthy"
	if st.Closed {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"sessions": st.Sessions,
		"users":    st.Users,
		"tunnels":  st.Tunnels,
		"ports":    st.Ports,
	})
}
