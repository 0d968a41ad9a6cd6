package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/nimathing2052/HGPU/internal/logutil"
)

const (
	// Input messages per second per connection; the burst covers pastes.
	terminalRateLimit = 200
	terminalRateBurst = 200

	maxInputMessageSize = 64 * 1024
	maxResizeCols       = 500
	maxResizeRows       = 200
)

type termResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Terminal relays an interactive login shell on the compute server over a
// WebSocket. Binary frames are stdin; text frames are control messages
// ({"type":"resize","cols":N,"rows":M}). Query parameters cols and rows set
// the initial size.
func (s *Server) Terminal(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	cols := clampDim(r.URL.Query().Get("cols"), 80, maxResizeCols)
	rows := clampDim(r.URL.Query().Get("rows"), 24, maxResizeRows)

	clientConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[session] accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	shell, err := sess.OpenShell(cols, rows)
	if err != nil {
		log.Printf("[session] terminal for %s: %v", sess.ID, err)
		clientConn.Close(4500, "Failed to start shell")
		return
	}
	defer shell.Close()
	log.Printf("[session] terminal started for %s (%s)", sess.ID, logutil.SanitizeForLog(sess.User))

	clientConn.SetReadLimit(maxInputMessageSize + 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Shell stdout -> browser
	go func() {
		defer cancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := shell.Stdout.Read(buf)
			if n > 0 {
				if err := clientConn.Write(ctx, websocket.MessageBinary, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	limiter := rate.NewLimiter(terminalRateLimit, terminalRateBurst)

	// Browser -> shell stdin
	for {
		msgType, data, err := clientConn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.Allow() {
			continue
		}
		sess.Touch()

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				continue
			}
			if _, err := shell.Stdin.Write(data); err != nil {
				break
			}
			continue
		}
		var msg termResizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			shell.Resize(min(msg.Cols, maxResizeCols), min(msg.Rows, maxResizeRows))
		}
	}

	log.Printf("[session] terminal ended for %s", sess.ID)
	clientConn.Close(websocket.StatusNormalClosure, "")
}

func clampDim(v string, def, limit int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, limit)
}
