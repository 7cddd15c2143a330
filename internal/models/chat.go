// Package models defines the chat domain types shared across the store,
// the connection controller and the HTTP layer.
package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultToolType is used when a client starts a conversation without
// naming a tool.
const DefaultToolType = "free_chat"

// Session represents a persistent chat session. Created lazily on the
// first message of a connection when the client supplies no session id;
// immutable afterwards.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ToolType  string    `json:"toolType"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a single chat message within a session. Append-only; ordered
// by creation time, ties broken by insertion order.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionSummary is a session plus the first user message, used for
// session listings.
type SessionSummary struct {
	Session
	FirstMessage string `json:"firstMessage"`
}

// SuggestedOption is one structured follow-up suggestion derived after a
// completed turn. Options are never persisted; IDs are fresh per item.
type SuggestedOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// ChatMessage is one role/content pair of an upstream completion prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
