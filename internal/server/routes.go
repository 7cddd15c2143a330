package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pawaovo/ai-coach/internal/db"
)

// emptySessionPreview stands in for sessions whose first message is not
// yet recorded.
const emptySessionPreview = "新对话"

// requestUserID resolves the caller identity from the X-User-ID header or
// the user_id query parameter. Authentication proper happens upstream of
// this service.
func requestUserID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return c.Query("user_id")
}

type createSessionRequest struct {
	ToolType string `json:"toolType"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	userID := requestUserID(c)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}

	// An empty body is fine; malformed JSON is not.
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	session, err := s.store.CreateSession(c.Request.Context(), userID, req.ToolType)
	if err != nil {
		s.logger.Error("create session failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, session)
}

type sessionListItem struct {
	ID        string `json:"id"`
	ToolType  string `json:"toolType"`
	CreatedAt string `json:"createdAt"`
	Preview   string `json:"preview"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	userID := requestUserID(c)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}

	summaries, err := s.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("list sessions failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	items := make([]sessionListItem, 0, len(summaries))
	for _, sum := range summaries {
		preview := sum.FirstMessage
		if preview == "" {
			preview = emptySessionPreview
		}
		items = append(items, sessionListItem{
			ID:        sum.ID,
			ToolType:  sum.ToolType,
			CreatedAt: sum.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Preview:   preview,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": items})
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	userID := requestUserID(c)
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}
	sessionID := c.Param("id")

	session, err := s.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.logger.Error("get session failed", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	// Sessions are private to their owner.
	if session.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	messages, err := s.store.SessionMessages(c.Request.Context(), sessionID)
	if err != nil {
		s.logger.Error("load messages failed", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
