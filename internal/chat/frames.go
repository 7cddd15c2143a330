// Package chat implements the per-connection session controller: the
// state machine that bridges one websocket client to the upstream
// completion endpoint, with bounded history replay, retry, persistence
// and post-turn option enrichment.
package chat

import (
	"context"
	"io"

	"github.com/pawaovo/ai-coach/internal/models"
)

// Request is one inbound client frame: either a liveness ping or a chat
// request carrying the user text.
type Request struct {
	Type      string `json:"type,omitempty"`
	Message   string `json:"message,omitempty"`
	ToolType  string `json:"toolType,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// IsPing reports whether the frame is a liveness probe.
func (r Request) IsPing() bool { return r.Type == "ping" }

// Outbound frame types.
const (
	frameSession = "session"
	frameChunk   = "chunk"
	frameOptions = "options"
	frameDone    = "done"
	frameError   = "error"
)

// Frame is one outbound notification to the client.
type Frame struct {
	Type      string                   `json:"type"`
	SessionID string                   `json:"sessionId,omitempty"`
	Content   string                   `json:"content,omitempty"`
	Options   []models.SuggestedOption `json:"options,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func sessionFrame(sessionID string) Frame {
	return Frame{Type: frameSession, SessionID: sessionID}
}

func chunkFrame(content string) Frame {
	return Frame{Type: frameChunk, Content: content}
}

func optionsFrame(options []models.SuggestedOption) Frame {
	return Frame{Type: frameOptions, Options: options}
}

func doneFrame(sessionID string) Frame {
	return Frame{Type: frameDone, SessionID: sessionID}
}

func errorFrame(msg string) Frame {
	return Frame{Type: frameError, Error: msg}
}

// Conn is one client connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
}

// Store is the message store consumed by the controller.
type Store interface {
	CreateSession(ctx context.Context, userID, toolType string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	AppendMessage(ctx context.Context, sessionID, role, content string) (*models.Message, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// Completer issues upstream completion requests. *upstream.Client
// satisfies it.
type Completer interface {
	CompleteStreamed(ctx context.Context, messages []models.ChatMessage) (io.ReadCloser, error)
	CompleteOnce(ctx context.Context, messages []models.ChatMessage) (string, error)
}
