package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/pawaovo/ai-coach/internal/models"
)

// sessionRecord is the chat_session row shape.
type sessionRecord struct {
	ID        surrealmodels.RecordID `json:"id"`
	UserID    string                 `json:"user_id"`
	ToolType  string                 `json:"tool_type"`
	CreatedAt time.Time              `json:"created_at"`
}

// sessionListRecord adds the first-user-message preview used by listings.
type sessionListRecord struct {
	sessionRecord
	FirstMessage *string `json:"first_message"`
}

// messageRecord is the chat_message row shape.
type messageRecord struct {
	ID        surrealmodels.RecordID `json:"id"`
	Session   surrealmodels.RecordID `json:"session"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	CreatedAt time.Time              `json:"created_at"`
}

// recordKey extracts the bare key of a record id ("chat_session:x" → "x").
func recordKey(id surrealmodels.RecordID) string {
	if s, ok := id.ID.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id.ID)
}

func sessionRef(id string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID("chat_session", id)
}

func (r sessionRecord) toModel() models.Session {
	return models.Session{
		ID:        recordKey(r.ID),
		UserID:    r.UserID,
		ToolType:  r.ToolType,
		CreatedAt: r.CreatedAt,
	}
}

func (r messageRecord) toModel() models.Message {
	return models.Message{
		ID:        recordKey(r.ID),
		SessionID: recordKey(r.Session),
		Role:      r.Role,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
}

// CreateSession creates a new chat session for a user. Message ids are
// ULIDs, so insertion order is recoverable from the id alone.
func (c *Client) CreateSession(ctx context.Context, userID, toolType string) (*models.Session, error) {
	if toolType == "" {
		toolType = models.DefaultToolType
	}
	results, err := surrealdb.Query[[]sessionRecord](ctx, c.db, `
		CREATE type::thing("chat_session", rand::ulid())
		SET user_id = $user_id, tool_type = $tool_type
	`, map[string]any{"user_id": userID, "tool_type": toolType})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create session: empty result")
	}
	session := (*results)[0].Result[0].toModel()
	return &session, nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	results, err := surrealdb.Query[[]sessionRecord](ctx, c.db, `
		SELECT * FROM type::record("chat_session", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get session %q: %w", id, ErrNotFound)
	}
	session := (*results)[0].Result[0].toModel()
	return &session, nil
}

// AppendMessage appends one message to a session.
func (c *Client) AppendMessage(ctx context.Context, sessionID, role, content string) (*models.Message, error) {
	results, err := surrealdb.Query[[]messageRecord](ctx, c.db, `
		CREATE type::thing("chat_message", rand::ulid())
		SET session = $session, role = $role, content = $content
	`, map[string]any{"session": sessionRef(sessionID), "role": role, "content": content})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("append message: empty result")
	}
	msg := (*results)[0].Result[0].toModel()
	return &msg, nil
}

// RecentMessages returns up to limit most recent messages of a session,
// newest first. Callers wanting presentation order reverse the slice.
func (c *Client) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	results, err := surrealdb.Query[[]messageRecord](ctx, c.db, `
		SELECT * FROM chat_message WHERE session = $session
		ORDER BY created_at DESC, id DESC
		LIMIT $limit
	`, map[string]any{"session": sessionRef(sessionID), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", wrapQueryError(err))
	}
	return messagesToModels(results), nil
}

// SessionMessages returns all messages of a session in chronological order.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	results, err := surrealdb.Query[[]messageRecord](ctx, c.db, `
		SELECT * FROM chat_message WHERE session = $session
		ORDER BY created_at ASC, id ASC
	`, map[string]any{"session": sessionRef(sessionID)})
	if err != nil {
		return nil, fmt.Errorf("session messages: %w", wrapQueryError(err))
	}
	return messagesToModels(results), nil
}

// ListSessions returns a user's sessions newest first, each with the first
// user message as preview.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	results, err := surrealdb.Query[[]sessionListRecord](ctx, c.db, `
		SELECT *, (
			SELECT content FROM chat_message
			WHERE session = $parent.id AND role = "user"
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)[0].content AS first_message
		FROM chat_session WHERE user_id = $user_id
		ORDER BY created_at DESC
	`, map[string]any{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", wrapQueryError(err))
	}

	summaries := []models.SessionSummary{}
	if results != nil && len(*results) > 0 {
		for _, rec := range (*results)[0].Result {
			summary := models.SessionSummary{Session: rec.toModel()}
			if rec.FirstMessage != nil {
				summary.FirstMessage = *rec.FirstMessage
			}
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

func messagesToModels(results *[]surrealdb.QueryResult[[]messageRecord]) []models.Message {
	msgs := []models.Message{}
	if results != nil && len(*results) > 0 {
		for _, rec := range (*results)[0].Result {
			msgs = append(msgs, rec.toModel())
		}
	}
	return msgs
}
