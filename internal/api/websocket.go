package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/carapace/carapace/internal/auth"
	"github.com/carapace/carapace/internal/channel"
	"github.com/carapace/carapace/internal/session"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is
// false, only same-origin requests are accepted.
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// chatConn is one WebSocket chat connection bound to a session. Writes
// are serialized through writeMu; at most one agent turn runs at a time.
type chatConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionMu sync.Mutex
	sessionID string
	writeMu   sync.Mutex
	verbose   atomic.Bool
	busy      chan struct{}
}

// handleChat authenticates and upgrades a chat connection. The token is
// accepted as a query parameter or an Authorization header, since
// browser WebSocket clients cannot set headers.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	presented := r.URL.Query().Get("token")
	if presented == "" {
		presented = auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
	}
	if !auth.Verify(s.token, presented) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	sessionID := r.PathValue("id")
	if _, err := s.sessions.LoadState(sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load session")
		}
		return
	}

	upgrader := newUpgrader(s.cfgLoader.Get().Server.CORS)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &chatConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		busy:      make(chan struct{}, 1),
	}
	c.verbose.Store(true)

	s.logger.Info("chat connected", "session_id", sessionID)
	c.readLoop(r.Context())
	s.logger.Info("chat disconnected", "session_id", sessionID)
}

// readLoop dispatches client frames. Approval responses resolve the
// gate directly so they are handled even while a turn is blocked on an
// approval. When the connection drops, the derived context cancels any
// in-flight turn, including one parked on the approval gate.
func (c *chatConn) readLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := channel.ParseClient(raw)
		if err != nil {
			c.send(channel.NewError(err.Error()))
			continue
		}

		switch m := env.(type) {
		case channel.ApprovalResponse:
			if err := c.server.gw.Gate().Resolve(m.ToolCallID, m.Approved); err != nil {
				c.send(channel.NewError(err.Error()))
			}

		case channel.Command:
			line := "/" + strings.TrimPrefix(m.Name, "/")
			if len(m.Args) > 0 {
				line += " " + strings.Join(m.Args, " ")
			}
			if c.handleCommand(line) {
				return
			}

		case channel.UserMessage:
			content := strings.TrimSpace(m.Content)
			if content == "" {
				continue
			}
			if strings.HasPrefix(content, "/") {
				if c.handleCommand(content) {
					return
				}
				continue
			}

			select {
			case c.busy <- struct{}{}:
			default:
				c.send(channel.NewError("a turn is already in progress"))
				continue
			}
			go func() {
				defer func() { <-c.busy }()
				c.runTurn(ctx, content)
			}()
		}
	}
}

// runTurn executes one agent turn under the session's exclusive lock
// and reports the outcome on the connection.
func (c *chatConn) runTurn(ctx context.Context, content string) {
	h, err := c.server.sessions.Open(ctx, c.currentSession())
	if err != nil {
		c.send(channel.NewError("failed to open session: " + err.Error()))
		return
	}
	defer h.Close()

	reply, err := c.server.runner.RunTurn(ctx, h, c, content, c.verbose.Load())
	if err != nil {
		c.server.logger.Error("turn failed", "session_id", c.currentSession(), "error", err)
		c.send(channel.NewError(err.Error()))
		return
	}
	c.send(channel.NewDone(reply))
}

func (c *chatConn) currentSession() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

func (c *chatConn) rebind(sessionID string) {
	c.sessionMu.Lock()
	c.sessionID = sessionID
	c.sessionMu.Unlock()
}

// send writes one envelope. Safe for concurrent use.
func (c *chatConn) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		c.server.logger.Warn("websocket send failed", "session_id", c.currentSession(), "error", err)
	}
}

// NotifyApproval implements gateway.Notifier.
func (c *chatConn) NotifyApproval(req channel.ApprovalRequest) {
	c.send(req)
}

// OnToolCall implements agent.Sink.
func (c *chatConn) OnToolCall(info channel.ToolCallInfo) {
	c.send(info)
}
