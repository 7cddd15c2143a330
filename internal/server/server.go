// Package server exposes the HTTP surface: the /ws/chat websocket
// upgrade, the session REST endpoints, health and stats.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pawaovo/ai-coach/internal/chat"
	"github.com/pawaovo/ai-coach/internal/metrics"
	"github.com/pawaovo/ai-coach/internal/models"
)

// Store is the persistence surface the HTTP layer needs. *db.Client
// satisfies it.
type Store interface {
	chat.Store
	SessionMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
}

// Options carries the per-turn controller settings the server hands to
// each new connection.
type Options struct {
	Persona      string
	HistoryLimit int
	MaxRetries   int
}

// Server wires the router to its dependencies and manages the listener
// lifecycle.
type Server struct {
	store     Store
	completer chat.Completer
	opts      Options
	stats     *metrics.Collector
	logger    *slog.Logger

	http *http.Server
}

// New builds the server and its routes.
func New(addr string, store Store, completer chat.Completer, opts Options, stats *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = metrics.NewCollector()
	}

	s := &Server{
		store:     store,
		completer: completer,
		opts:      opts,
		stats:     stats,
		logger:    logger,
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// router assembles the gin engine. Split out so tests can drive the
// handler without binding a port.
func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.GET("/ws/chat", s.handleChatSocket)

	api := r.Group("/api/chat")
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id/messages", s.handleSessionMessages)

	return r
}

// Run serves until the context is cancelled, then shuts down draining
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}
