// Package server exposes an agent.Loop over HTTP: a bidirectional
// WebSocket stream for interactive chat, a REST surface for
// non-streaming requests and conversation CRUD, and a health endpoint
// that also probes configured MCP tool hosts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Deps bundles the collaborators a Server needs. The caller (cmd/nexus)
// owns their lifecycle beyond Start/Stop.
type Deps struct {
	Loop     *agent.Loop
	Sessions sessions.Store
	Jobs     jobs.Store
	MCP      *mcp.Manager
	AgentID  string
	Logger   *slog.Logger
}

// Server wraps an *http.Server exposing the WebSocket and REST surface
// described in this distribution's client protocol.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer   *http.Server
	httpListener net.Listener

	startTime time.Time
}

// New builds a Server bound to the given Deps. It does not start
// listening until Start is called.
func New(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds the configured HTTP port and serves requests until ctx is
// cancelled or Stop is called. It returns once the listener is bound;
// serve errors are surfaced through the returned error only for the
// initial listen, not for errors encountered while serving.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.HTTPPort == 0 {
		return errors.New("server: http_port is not configured")
	}
	s.startTime = time.Now()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/chat", s.handleChatREST)
	mux.HandleFunc("/conversations", s.handleConversationsList)
	mux.HandleFunc("/conversations/", s.handleConversationByID)
	mux.HandleFunc("/ws", s.handleWebSocket)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpListener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("serving", "addr", addr)
	<-ctx.Done()
	return nil
}

// Stop gracefully drains in-flight requests, bounded by ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status   string             `json:"status"`
		Uptime   string             `json:"uptime"`
		Provider bool               `json:"provider_configured"`
		MCP      []mcp.ServerStatus `json:"mcp_servers,omitempty"`
	}{
		Status:   "ok",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Provider: s.deps.Loop != nil,
	}
	if s.deps.MCP != nil {
		status.MCP = s.deps.MCP.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// sessionFor looks up an existing conversation or opens a fresh one
// under this server's agent identity and the api channel.
func (s *Server) sessionFor(ctx context.Context, conversationID string) (*models.Session, error) {
	if s.deps.Sessions == nil {
		return nil, errors.New("server: no session store configured")
	}
	if conversationID != "" {
		if sess, err := s.deps.Sessions.Get(ctx, conversationID); err == nil {
			return sess, nil
		}
	}
	key := sessions.SessionKey(s.deps.AgentID, models.ChannelAPI, conversationID)
	return s.deps.Sessions.GetOrCreate(ctx, key, s.deps.AgentID, models.ChannelAPI, conversationID)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
