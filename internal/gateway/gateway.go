// Package gateway exposes Marlow over HTTP: a JSON chat endpoint for
// scripting, a WebSocket channel for interactive clients, and bus
// event relay for dashboards. Assistant markdown is rendered to HTML
// alongside the raw text so rich clients do not re-render.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/marlowbot/marlow/internal/agent"
	"github.com/marlowbot/marlow/internal/buildinfo"
	"github.com/marlowbot/marlow/internal/bus"
	"github.com/marlowbot/marlow/internal/session"
)

// Responder handles one inbound turn. *agent.Agent satisfies this;
// tests substitute a scripted fake.
type Responder interface {
	ProcessMessage(ctx context.Context, sessionKey, content string, onProgress agent.ProgressFunc) string
	Consolidate(sessionKey string, archiveAll bool)
}

// Server is the HTTP gateway.
type Server struct {
	address  string
	port     int
	agent    Responder
	sessions *session.Store
	events   *bus.Bus
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a gateway serving the given agent.
func NewServer(address string, port int, agent Responder, sessions *session.Store, events *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		agent:    agent,
		sessions: sessions,
		events:   events,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins on a LAN
			// deployment; auth is the deployment's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the gateway's routes. Split out from Start so tests
// can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("POST /v1/session/new", s.handleSessionNew)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.withLogging(mux)
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WebSocket connections are long-lived.
	}
	s.logger.Info("starting gateway", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": map[string]any{"message": message, "code": code}}, s.logger)
}

// ChatRequest is the JSON chat endpoint's request body.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the JSON chat endpoint's response body.
type ChatResponse struct {
	Response     string `json:"response"`
	ResponseHTML string `json:"response_html"`
	SessionID    string `json:"session_id"`
}

// handleChat runs one turn synchronously. Progress traffic is dropped
// on this endpoint; interactive clients use the WebSocket.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		id, _ := uuid.NewV7()
		sessionID = id.String()
	}

	answer := s.agent.ProcessMessage(r.Context(), sessionID, req.Message, nil)
	writeJSON(w, ChatResponse{
		Response:     answer,
		ResponseHTML: renderMarkdown(answer),
		SessionID:    sessionID,
	}, s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.sessions.List(r.Context())}, s.logger)
}

// handleSessionNew archives a session wholesale: everything is folded
// into long-term memory and the next turn starts fresh.
func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.errorResponse(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.agent.Consolidate(req.SessionID, true)
	writeJSON(w, map[string]string{"status": "archived", "session_id": req.SessionID}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// renderMarkdown converts assistant markdown to an HTML fragment.
// Returns the empty string when conversion fails; clients fall back
// to the raw text.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}

// Frame is the WebSocket wire format in both directions. Inbound
// frames carry type "message"; outbound frames are "answer",
// "progress", "event", or "error".
type Frame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	HTML      string         `json:"html,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// wsConn serializes writes to one WebSocket connection. gorilla
// permits a single concurrent writer; progress callbacks and bus
// relay would otherwise race.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.Timestamp = time.Now()
	return c.conn.WriteJSON(f)
}

// handleWebSocket runs the interactive channel: inbound user messages
// become agent turns, progress and bus events stream back as they
// happen, and the final answer closes out each turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Relay bus events for the lifetime of the connection.
	if s.events != nil {
		events := s.events.Subscribe(64)
		defer s.events.Unsubscribe(events)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					if err := wc.send(Frame{Type: "event", Kind: e.Kind, Source: e.Source, Data: e.Data}); err != nil {
						return
					}
				}
			}
		}()
	}

	s.logger.Info("websocket connected", "remote", r.RemoteAddr)
	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if in.Type != "message" || in.Content == "" {
			wc.send(Frame{Type: "error", Content: "expected a message frame with content"})
			continue
		}
		sessionID := in.SessionID
		if sessionID == "" {
			id, _ := uuid.NewV7()
			sessionID = id.String()
		}

		answer := s.agent.ProcessMessage(ctx, sessionID, in.Content, func(content string) {
			wc.send(Frame{Type: "progress", SessionID: sessionID, Content: content})
		})
		if err := wc.send(Frame{
			Type:      "answer",
			SessionID: sessionID,
			Content:   answer,
			HTML:      renderMarkdown(answer),
		}); err != nil {
			return
		}
	}
}
