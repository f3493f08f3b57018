package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch/pkg/observability"
	"github.com/fwdslsh/dispatch/pkg/session"
)

const (
	// pongWait is how long a connection may stay silent before the read
	// side gives up.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 50 * time.Second
	// maxMessageSize bounds a single inbound frame.
	maxMessageSize = 1 << 20
)

// ServerConfig tunes the mediator.
type ServerConfig struct {
	// Authenticator validates requests before upgrade. Defaults to
	// AllowAll.
	Authenticator Authenticator
	// Logger receives structured transport logs.
	Logger *slog.Logger
	// CheckOrigin overrides the upgrader's origin policy (tests).
	CheckOrigin func(*http.Request) bool
}

// Server is the transport mediator. It is a thin, stateless-per-call
// mapping of wire messages onto orchestrator operations; all per-stream
// state lives in the hub's connections.
type Server struct {
	orch     *session.Orchestrator
	hub      *Hub
	auth     Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a mediator over the given orchestrator.
func NewServer(orch *session.Orchestrator, cfg ServerConfig) *Server {
	auth := cfg.Authenticator
	if auth == nil {
		auth = AllowAll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if cfg.CheckOrigin != nil {
		upgrader.CheckOrigin = cfg.CheckOrigin
	}

	return &Server{
		orch:     orch,
		hub:      NewHub(logger),
		auth:     auth,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handler returns the websocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Hub exposes the connection hub (tests, shutdown).
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown drops every connection. Sessions are left to the orchestrator.
func (s *Server) Shutdown() {
	s.hub.closeAll()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth(r)
	if err != nil {
		s.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(uuid.New().String(), sock, identity, s.logger)
	s.hub.register(conn)
	go conn.writePump()
	s.readPump(conn)
}

// readPump processes inbound frames until the socket dies, then removes
// the connection from all fan-out groups. It never closes sessions:
// sessions outlive any single viewer.
func (s *Server) readPump(conn *connection) {
	defer func() {
		conn.shutdown()
		conn.detachAll()
		s.hub.unregister(conn)
		_ = conn.sock.Close()
	}()

	conn.sock.SetReadLimit(maxMessageSize)
	_ = conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		return conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-pinger.C:
				_ = conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.shutdown()
					return
				}
			case <-conn.done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "connId", conn.id, "error", err)
			}
			return
		}
		s.dispatch(conn, data)
	}
}

// dispatch is the middleware chain around one request: decode, log,
// execute, translate errors, ack.
func (s *Server) dispatch(conn *connection, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		conn.enqueue(&Ack{
			Type: "ack", ID: req.ID,
			Error: &WireError{Code: CodeValidation, Message: "malformed request"},
		})
		observability.RecordWireRequest("unknown", "error")
		return
	}

	start := time.Now()
	ctx := context.Background()
	sessionID, err := s.execute(ctx, conn, &req)

	ack := &Ack{Type: "ack", ID: req.ID, SessionID: sessionID}
	status := "ok"
	if err != nil {
		ack.Error = translateError(err)
		status = ack.Error.Code
		s.logger.Warn("request failed",
			"connId", conn.id, "op", req.Op, "sessionId", sessionID,
			"code", ack.Error.Code, "error", err, "duration", time.Since(start))
	} else {
		ack.Success = true
		s.logger.Debug("request ok",
			"connId", conn.id, "op", req.Op, "sessionId", sessionID,
			"duration", time.Since(start))
	}
	observability.RecordWireRequest(req.Op, status)
	conn.enqueue(ack)
}

// execute maps one wire operation onto the orchestrator.
func (s *Server) execute(ctx context.Context, conn *connection, req *Request) (string, error) {
	switch req.Op {
	case OpCreate:
		if req.Kind == "" {
			return "", &ValidationError{Field: "kind", Reason: "required"}
		}
		sess, err := s.orch.Create(ctx, req.Kind, session.CreateOptions{
			Options: req.Options,
			Meta:    req.Meta,
		})
		if err != nil {
			return "", err
		}
		return sess.ID, nil

	case OpAttach:
		if req.SessionID == "" {
			return "", &ValidationError{Field: "sessionId", Reason: "required"}
		}
		if req.AfterSeq < 0 {
			return req.SessionID, &ValidationError{Field: "afterSeq", Reason: "must be >= 0"}
		}
		return req.SessionID, s.attach(ctx, conn, req.SessionID, req.AfterSeq)

	case OpInput:
		if req.SessionID == "" {
			return "", &ValidationError{Field: "sessionId", Reason: "required"}
		}
		if len(req.Data) == 0 {
			return req.SessionID, &ValidationError{Field: "data", Reason: "required"}
		}
		return req.SessionID, s.orch.Input(ctx, req.SessionID, req.Data)

	case OpResize:
		if req.SessionID == "" {
			return "", &ValidationError{Field: "sessionId", Reason: "required"}
		}
		if req.Cols <= 0 || req.Rows <= 0 {
			return req.SessionID, &ValidationError{Field: "cols/rows", Reason: "must be positive"}
		}
		return req.SessionID, s.orch.Resize(ctx, req.SessionID, req.Cols, req.Rows)

	case OpClose:
		if req.SessionID == "" {
			return "", &ValidationError{Field: "sessionId", Reason: "required"}
		}
		return req.SessionID, s.orch.Close(ctx, req.SessionID)

	default:
		return "", &ValidationError{Field: "op", Reason: "unknown operation"}
	}
}

// attach performs the replay-then-live handoff for one connection. The
// live subscription is registered before the replay upper bound is read
// (inside Orchestrator.Attach), and the forwarder drops live events the
// replay already covered, so the client sees afterSeq+1.. exactly once.
func (s *Server) attach(ctx context.Context, conn *connection, sessionID string, afterSeq int64) error {
	replay, sub, err := s.orch.Attach(ctx, sessionID, afterSeq)
	if err != nil {
		return err
	}

	a := &attachment{
		sessionID: sessionID,
		sub:       sub,
		lastSeen:  afterSeq,
	}
	for _, ev := range replay {
		if ev.Seq > a.lastSeen {
			a.lastSeen = ev.Seq
		}
	}

	// Queue the replay batch ahead of starting the live forwarder so
	// frames leave in seq order.
	for _, ev := range replay {
		if !conn.enqueue(newEventMessage(ev)) {
			if sub != nil {
				sub.Close()
			}
			return nil
		}
	}

	conn.attach(a)
	s.logger.Info("attached", "connId", conn.id, "sessionId", sessionID,
		"afterSeq", afterSeq, "replayed", len(replay), "live", sub != nil)
	return nil
}
