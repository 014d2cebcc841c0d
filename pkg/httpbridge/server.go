// Package httpbridge exposes the chat manager over HTTP: a JSON API,
// streamed replies over SSE and websockets, and Prometheus metrics.
package httpbridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/soypete/pedrochat/pkg/chats"
	"github.com/soypete/pedrochat/pkg/history"
	"github.com/soypete/pedrochat/pkg/tools"
)

// Chatter is the part of the chat manager the bridge drives.
type Chatter interface {
	SendMessage(ctx context.Context, req chats.SendRequest, onToken chats.TokenFunc) (chats.Reply, error)
	RegenerateMessage(ctx context.Context, req chats.RegenerateRequest, onToken chats.TokenFunc) (chats.Reply, error)
	Abort(conversationID string) bool
	Cleanup(ctx context.Context, modelPath, conversationID string) error
}

// HealthChecker reports whether the model server is up.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Chatter Chatter
	// History backs the thread endpoints. Optional.
	History history.Store
	// Health is checked by /api/health. Optional.
	Health HealthChecker
	// Tools are listed by /api/tools.
	Tools []tools.Descriptor
	// ModelPath is used when neither the request nor the thread names one.
	ModelPath string
	Logger    *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	chatter      Chatter
	history      history.Store
	health       HealthChecker
	tools        []tools.Descriptor
	modelPath    string
	logger       *zap.Logger
	mux          *http.ServeMux
	sseBroadcast *SSEBroadcaster
}

// NewServer creates a new HTTP server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Chatter == nil {
		return nil, errors.New("chatter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		chatter:      cfg.Chatter,
		history:      cfg.History,
		health:       cfg.Health,
		tools:        cfg.Tools,
		modelPath:    cfg.ModelPath,
		logger:       logger,
		mux:          http.NewServeMux(),
		sseBroadcast: NewSSEBroadcaster(logger),
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tools", s.handleTools)

	s.mux.HandleFunc("GET /api/threads", s.handleListThreads)
	s.mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	s.mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	s.mux.HandleFunc("PATCH /api/threads/{id}", s.handleUpdateThread)
	s.mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)
	s.mux.HandleFunc("POST /api/threads/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/threads/{id}/messages/{messageID}/regenerate", s.handleRegenerate)
	s.mux.HandleFunc("POST /api/threads/{id}/abort", s.handleAbort)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEvents)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the routed handler with metrics and panic recovery.
func (s *Server) Handler() http.Handler {
	return recoverPanics(s.logger, instrument(s.logger, s.mux))
}

// Events returns the broadcaster that fans conversation events out.
func (s *Server) Events() *SSEBroadcaster {
	return s.sseBroadcast
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
