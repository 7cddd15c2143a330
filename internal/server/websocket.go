package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pawaovo/ai-coach/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleChatSocket upgrades the connection and hands it to a controller
// that serves turns until the client goes away.
func (s *Server) handleChatSocket(c *gin.Context) {
	userID := requestUserID(c)
	if userID == "" {
		// Anonymous connections still get a stable identity for the
		// lifetime of their sessions.
		userID = uuid.New().String()
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	s.stats.ConnOpened()
	defer s.stats.ConnClosed()
	s.logger.Info("websocket client connected", "user_id", userID)

	controller := chat.NewController(ws, s.store, s.completer, userID, chat.Options{
		Persona:      s.opts.Persona,
		HistoryLimit: s.opts.HistoryLimit,
		MaxRetries:   s.opts.MaxRetries,
	}, s.logger, s.stats)

	controller.Run(c.Request.Context())
	s.logger.Info("websocket client gone", "user_id", userID, "session_id", controller.SessionID())
}
