package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/taskmirror/internal/gateway"
	"github.com/agentworkforce/taskmirror/internal/reconcile"
	"github.com/agentworkforce/taskmirror/internal/session"
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

// Engine is the consumer-facing side of reconcile.Engine.
type Engine interface {
	Snapshot() reconcile.Snapshot
	Subscribe(fn func(reconcile.Snapshot)) func()
	Refresh(ctx context.Context) error
	Withdraw(ctx context.Context, id string) error
	Undo(ctx context.Context, id string) error
	DismissNotice()
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	Logger         Logger
	WriteTimeout   time.Duration
	OriginPatterns []string
}

// Server exposes the reconciled task list over JSON and a websocket feed.
// It never reads the remote API itself.
type Server struct {
	engine Engine
	cfg    ServerConfig
}

type intent struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type message struct {
	Type     string              `json:"type"`
	Snapshot *reconcile.Snapshot `json:"snapshot,omitempty"`
	Error    *errorBody          `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func NewServer(engine Engine, cfg ServerConfig) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/" || r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/v1/feed" && r.Method == http.MethodGet:
		s.handleFeed(w, r)
		return
	case r.URL.Path == "/v1/tasks" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
		return
	case r.URL.Path == "/v1/tasks/refresh" && r.Method == http.MethodPost:
		s.respond(w, r, "", s.engine.Refresh(r.Context()))
		return
	case r.URL.Path == "/v1/notice/dismiss" && r.Method == http.MethodPost:
		s.engine.DismissNotice()
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "tasks" && r.Method == http.MethodPost {
		id, err := url.PathUnescape(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid task id", getCorrelationID(r))
			return
		}
		switch parts[3] {
		case "withdraw":
			s.respond(w, r, id, s.engine.Withdraw(r.Context(), id))
			return
		case "undo":
			s.respond(w, r, id, s.engine.Undo(r.Context(), id))
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, id string, err error) {
	if err != nil {
		status, code := classifyError(err)
		s.logf("feed: %s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, status, code, err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleFeed streams snapshots to one dashboard and applies the intents it
// sends back. Bursts of engine changes collapse into one snapshot.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logf("feed: websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	notify := make(chan struct{}, 1)
	unsubscribe := s.engine.Subscribe(func(reconcile.Snapshot) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	failures := make(chan errorBody, 8)
	go s.readIntents(ctx, cancel, conn, failures)

	if err := s.writeMessage(ctx, conn, s.snapshotMessage()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-notify:
			if err := s.writeMessage(ctx, conn, s.snapshotMessage()); err != nil {
				return
			}
		case failure := <-failures:
			if err := s.writeMessage(ctx, conn, message{Type: "error", Error: &failure}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readIntents(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, failures chan<- errorBody) {
	defer cancel()
	for {
		var in intent
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.report(failures, errorBody{Code: "bad_request", Message: "intent is not valid JSON"})
				continue
			}
			return
		}
		var err error
		switch in.Type {
		case "withdraw":
			err = s.engine.Withdraw(ctx, in.ID)
		case "undo":
			err = s.engine.Undo(ctx, in.ID)
		case "refresh":
			err = s.engine.Refresh(ctx)
		case "dismiss":
			s.engine.DismissNotice()
		default:
			s.report(failures, errorBody{Code: "bad_request", Message: "unknown intent " + in.Type, ID: in.ID})
			continue
		}
		if err != nil {
			_, code := classifyError(err)
			s.report(failures, errorBody{Code: code, Message: err.Error(), ID: in.ID})
		}
	}
}

func (s *Server) report(failures chan<- errorBody, body errorBody) {
	select {
	case failures <- body:
	default:
		s.logf("feed: dropping error message %s: %s", body.Code, body.Message)
	}
}

func (s *Server) snapshotMessage() message {
	snap := s.engine.Snapshot()
	return message{Type: "snapshot", Snapshot: &snap}
}

func (s *Server) writeMessage(ctx context.Context, conn *websocket.Conn, msg message) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, tasks.ErrInvalidIdentity):
		return http.StatusBadRequest, "invalid_identity"
	case errors.Is(err, reconcile.ErrNotVisible):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, reconcile.ErrUndoExpired):
		return http.StatusGone, "undo_expired"
	case errors.Is(err, session.ErrAuthenticationRequired):
		return http.StatusUnauthorized, "authentication_required"
	case errors.Is(err, gateway.ErrNetwork):
		return http.StatusBadGateway, "network_failure"
	case errors.Is(err, tasks.ErrUnrecognizedPayload):
		return http.StatusBadGateway, "bad_upstream_payload"
	case errors.Is(err, reconcile.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		var httpErr *gateway.HTTPError
		if errors.As(err, &httpErr) {
			return http.StatusBadGateway, "upstream_error"
		}
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
