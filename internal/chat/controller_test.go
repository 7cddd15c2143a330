package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawaovo/ai-coach/internal/models"
	"github.com/pawaovo/ai-coach/internal/upstream"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeConn scripts inbound frames and records outbound ones. An exhausted
// script reads like a client disconnect.
type fakeConn struct {
	inbound []any // Request or error
	frames  []Frame
}

func (f *fakeConn) ReadJSON(v any) error {
	if len(f.inbound) == 0 {
		return io.EOF
	}
	item := f.inbound[0]
	f.inbound = f.inbound[1:]
	if err, ok := item.(error); ok {
		return err
	}
	*(v.(*Request)) = item.(Request)
	return nil
}

func (f *fakeConn) WriteJSON(v any) error {
	f.frames = append(f.frames, v.(Frame))
	return nil
}

func (f *fakeConn) framesOfType(frameType string) []Frame {
	var out []Frame
	for _, fr := range f.frames {
		if fr.Type == frameType {
			out = append(out, fr)
		}
	}
	return out
}

// memStore is an in-memory message store.
type memStore struct {
	sessions map[string]*models.Session
	messages map[string][]models.Message
	nextID   int

	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]models.Message),
	}
}

func (s *memStore) CreateSession(_ context.Context, userID, toolType string) (*models.Session, error) {
	s.nextID++
	if toolType == "" {
		toolType = models.DefaultToolType
	}
	session := &models.Session{ID: fmt.Sprintf("sess-%d", s.nextID), UserID: userID, ToolType: toolType}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	return session, nil
}

func (s *memStore) AppendMessage(_ context.Context, sessionID, role, content string) (*models.Message, error) {
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	s.nextID++
	msg := models.Message{ID: fmt.Sprintf("msg-%d", s.nextID), SessionID: sessionID, Role: role, Content: content}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return &msg, nil
}

func (s *memStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	all := s.messages[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// Newest first, like the real store.
	out := make([]models.Message, len(all))
	for i, m := range all {
		out[len(all)-1-i] = m
	}
	return out, nil
}

// failingBody yields some bytes, then a read error.
type failingBody struct {
	data   []byte
	err    error
	served bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if !b.served {
		b.served = true
		n := copy(p, b.data)
		return n, nil
	}
	return 0, b.err
}

func (b *failingBody) Close() error { return nil }

// streamAttempt is one scripted CompleteStreamed outcome.
type streamAttempt struct {
	body io.ReadCloser
	err  error
}

// fakeCompleter scripts upstream behaviour and captures prompts.
type fakeCompleter struct {
	attempts []streamAttempt
	calls    int
	prompts  [][]models.ChatMessage

	onceBody string
	onceErr  error
}

func (f *fakeCompleter) CompleteStreamed(_ context.Context, messages []models.ChatMessage) (io.ReadCloser, error) {
	f.prompts = append(f.prompts, messages)
	if f.calls >= len(f.attempts) {
		f.calls++
		return nil, &upstream.TransportError{Err: io.ErrUnexpectedEOF}
	}
	attempt := f.attempts[f.calls]
	f.calls++
	return attempt.body, attempt.err
}

func (f *fakeCompleter) CompleteOnce(_ context.Context, _ []models.ChatMessage) (string, error) {
	return f.onceBody, f.onceErr
}

func sseBody(fragments ...string) io.ReadCloser {
	var b strings.Builder
	for _, frag := range fragments {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String()))
}

func okAttempt(fragments ...string) streamAttempt {
	return streamAttempt{body: sseBody(fragments...)}
}

func failedAttempt() streamAttempt {
	return streamAttempt{err: &upstream.TransportError{Err: fmt.Errorf("connection refused")}}
}

func testController(conn Conn, store Store, completer Completer) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(conn, store, completer, "user-1", Options{
		Persona:      "persona",
		HistoryLimit: 10,
		MaxRetries:   2,
	}, logger, nil)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPingProducesNothing(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Type: "ping"}}}
	store := newMemStore()
	ctrl := testController(conn, store, &fakeCompleter{})

	ctrl.Run(context.Background())

	assert.Empty(t, conn.frames, "a ping must not produce any outbound frame")
	assert.Empty(t, store.sessions, "a ping must not create a session")
	assert.Empty(t, store.messages, "a ping must not persist anything")
	assert.Equal(t, StateClosed, ctrl.State())
}

func TestFirstTurnCreatesSessionAndStreams(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()
	completer := &fakeCompleter{
		attempts: []streamAttempt{okAttempt("Hi", " there")},
		onceErr:  fmt.Errorf("no enrichment in this test"),
	}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	sessions := conn.framesOfType(frameSession)
	require.Len(t, sessions, 1, "a fresh connection announces its new session exactly once")
	sessionID := sessions[0].SessionID
	require.NotEmpty(t, sessionID)

	chunks := conn.framesOfType(frameChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi", chunks[0].Content)
	assert.Equal(t, " there", chunks[1].Content)

	dones := conn.framesOfType(frameDone)
	require.Len(t, dones, 1)
	assert.Equal(t, sessionID, dones[0].SessionID)

	msgs := store.messages[sessionID]
	require.Len(t, msgs, 2, "exactly one user and one assistant message")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)
}

func TestSecondTurnReusesSession(t *testing.T) {
	store := newMemStore()
	session, err := store.CreateSession(context.Background(), "user-1", "free_chat")
	require.NoError(t, err)

	conn := &fakeConn{inbound: []any{Request{Message: "again", SessionID: session.ID}}}
	completer := &fakeCompleter{attempts: []streamAttempt{okAttempt("ok")}, onceErr: fmt.Errorf("skip")}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	assert.Empty(t, conn.framesOfType(frameSession), "an existing session is never re-announced")
	require.Len(t, conn.framesOfType(frameDone), 1)
	assert.Equal(t, session.ID, conn.framesOfType(frameDone)[0].SessionID)
}

func TestForeignSessionRejected(t *testing.T) {
	store := newMemStore()
	foreign, err := store.CreateSession(context.Background(), "user-2", "free_chat")
	require.NoError(t, err)

	conn := &fakeConn{inbound: []any{
		Request{Message: "hello", SessionID: foreign.ID},
		Request{Type: "ping"},
	}}
	completer := &fakeCompleter{}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	require.Len(t, conn.framesOfType(frameError), 1)
	assert.Zero(t, completer.calls, "no upstream call for someone else's session")
	assert.Empty(t, store.messages[foreign.ID], "nothing appended to the foreign session")
	// The trailing ping was consumed, so the connection survived.
	assert.Empty(t, conn.inbound)
}

func TestUnknownSessionRejected(t *testing.T) {
	store := newMemStore()
	conn := &fakeConn{inbound: []any{Request{Message: "hello", SessionID: "sess-none"}}}
	completer := &fakeCompleter{}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	require.Len(t, conn.framesOfType(frameError), 1)
	assert.Zero(t, completer.calls)
	assert.Empty(t, store.messages)
}

func TestHistoryWindowBounded(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "user-1", "free_chat")
	require.NoError(t, err)

	// 11 prior messages: only the most recent 10 may be replayed.
	for i := 0; i < 11; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		_, err := store.AppendMessage(ctx, session.ID, role, fmt.Sprintf("prior-%d", i))
		require.NoError(t, err)
	}

	conn := &fakeConn{inbound: []any{Request{Message: "current", SessionID: session.ID}}}
	completer := &fakeCompleter{attempts: []streamAttempt{okAttempt("ok")}, onceErr: fmt.Errorf("skip")}
	ctrl := testController(conn, store, completer)

	ctrl.Run(ctx)

	require.Len(t, completer.prompts, 1)
	prompt := completer.prompts[0]
	require.Len(t, prompt, 12, "persona + 10 history + current")

	assert.Equal(t, models.RoleSystem, prompt[0].Role)
	assert.Equal(t, "persona", prompt[0].Content)
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("prior-%d", i+1), prompt[1+i].Content, "history must be the 10 most recent, oldest first")
	}
	assert.Equal(t, models.RoleUser, prompt[11].Role)
	assert.Equal(t, "current", prompt[11].Content)
}

func TestRetryThenSuccess(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()
	completer := &fakeCompleter{
		attempts: []streamAttempt{failedAttempt(), okAttempt("recovered")},
		onceErr:  fmt.Errorf("skip"),
	}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	require.Equal(t, 2, completer.calls)

	errorFrames := conn.framesOfType(frameError)
	require.Len(t, errorFrames, 1, "one retry notice, no terminal error")
	assert.Contains(t, errorFrames[0].Error, "(1/2)")

	require.Len(t, conn.framesOfType(frameDone), 1)

	sessionID := conn.framesOfType(frameSession)[0].SessionID
	msgs := store.messages[sessionID]
	require.Len(t, msgs, 2, "retries must not duplicate persistence")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "recovered", msgs[1].Content)
}

func TestRetryExhaustion(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()
	completer := &fakeCompleter{
		attempts: []streamAttempt{failedAttempt(), failedAttempt(), failedAttempt()},
		onceErr:  fmt.Errorf("skip"),
	}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	require.Equal(t, 3, completer.calls, "initial attempt plus two retries")

	errorFrames := conn.framesOfType(frameError)
	require.Len(t, errorFrames, 3, "two retry notices plus one terminal error")
	assert.Contains(t, errorFrames[0].Error, "(1/2)")
	assert.Contains(t, errorFrames[1].Error, "(2/2)")

	assert.Empty(t, conn.framesOfType(frameDone))
	assert.Empty(t, conn.framesOfType(frameChunk))

	sessionID := conn.framesOfType(frameSession)[0].SessionID
	msgs := store.messages[sessionID]
	require.Len(t, msgs, 1, "only the user message is persisted")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestNoRetryAfterFirstForwardedFragment(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()

	// One fragment arrives, then the stream breaks. Retrying now would
	// duplicate visible output, so the turn fails immediately.
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"
	completer := &fakeCompleter{
		attempts: []streamAttempt{{body: &failingBody{data: []byte(partial), err: fmt.Errorf("reset by peer")}}},
		onceErr:  fmt.Errorf("skip"),
	}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	assert.Equal(t, 1, completer.calls, "no retry once output was forwarded")
	require.Len(t, conn.framesOfType(frameChunk), 1)
	require.Len(t, conn.framesOfType(frameError), 1)
	assert.Empty(t, conn.framesOfType(frameDone))

	sessionID := conn.framesOfType(frameSession)[0].SessionID
	msgs := store.messages[sessionID]
	require.Len(t, msgs, 1, "partial assistant text is discarded, not persisted")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestOversizedStreamEventFailsTurn(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()

	// One decodable event, then a single event that never terminates and
	// outgrows the decoder's buffer. The turn must fail with a visible
	// error, never complete as an empty reply.
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n"
	runaway := "data: " + strings.Repeat("y", (1<<20)+1)
	completer := &fakeCompleter{
		attempts: []streamAttempt{{body: io.NopCloser(strings.NewReader(partial + runaway))}},
		onceErr:  fmt.Errorf("skip"),
	}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	require.Len(t, conn.framesOfType(frameChunk), 1, "fragments decoded before the overflow are still forwarded")
	require.Len(t, conn.framesOfType(frameError), 1)
	assert.Empty(t, conn.framesOfType(frameDone))

	sessionID := conn.framesOfType(frameSession)[0].SessionID
	msgs := store.messages[sessionID]
	require.Len(t, msgs, 1, "no assistant message for a failed stream")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestEmptyStreamPersistsEmptyAssistant(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()
	completer := &fakeCompleter{attempts: []streamAttempt{okAttempt()}, onceErr: fmt.Errorf("skip")}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	assert.Empty(t, conn.framesOfType(frameChunk))
	require.Len(t, conn.framesOfType(frameDone), 1)

	sessionID := conn.framesOfType(frameSession)[0].SessionID
	msgs := store.messages[sessionID]
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "", msgs[1].Content, "completed-but-silent streams persist an empty reply")
}

func TestEnrichmentFailureNeverBlocksDone(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"network failure", "", fmt.Errorf("timeout")},
		{"invalid json", "not json at all", nil},
		{"non-array json", `{"label":"a","value":"b"}`, nil},
		{"items missing fields", `[{"label":""},{"value":"x"}]`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
			store := newMemStore()
			completer := &fakeCompleter{
				attempts: []streamAttempt{okAttempt("answer")},
				onceBody: tt.body,
				onceErr:  tt.err,
			}
			ctrl := testController(conn, store, completer)

			ctrl.Run(context.Background())

			assert.Empty(t, conn.framesOfType(frameOptions))
			assert.Len(t, conn.framesOfType(frameDone), 1)
		})
	}
}

func TestEnrichmentForwardsOptionsBeforeDone(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "hello"}}}
	store := newMemStore()
	completer := &fakeCompleter{
		attempts: []streamAttempt{okAttempt("answer")},
		onceBody: `[{"label":"继续","value":"请继续说"},{"label":"","value":"dropped"},{"label":"换个话题","value":"我想聊聊别的"}]`,
	}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	optionFrames := conn.framesOfType(frameOptions)
	require.Len(t, optionFrames, 1)
	opts := optionFrames[0].Options
	require.Len(t, opts, 2, "invalid items are dropped individually")
	assert.Equal(t, "继续", opts[0].Label)
	assert.Equal(t, "请继续说", opts[0].Value)
	assert.NotEmpty(t, opts[0].ID)
	assert.NotEqual(t, opts[0].ID, opts[1].ID)

	// Options arrive before done.
	var sawOptions bool
	for _, fr := range conn.frames {
		if fr.Type == frameOptions {
			sawOptions = true
		}
		if fr.Type == frameDone {
			assert.True(t, sawOptions, "options must precede done")
		}
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	conn := &fakeConn{inbound: []any{&json.SyntaxError{}}}
	store := newMemStore()
	ctrl := testController(conn, store, &fakeCompleter{})

	ctrl.Run(context.Background())

	errorFrames := conn.framesOfType(frameError)
	require.Len(t, errorFrames, 1)
	assert.Equal(t, StateClosed, ctrl.State())
	assert.Empty(t, store.sessions)
}

func TestEmptyMessageClosesConnection(t *testing.T) {
	conn := &fakeConn{inbound: []any{Request{Message: "   "}}}
	store := newMemStore()
	ctrl := testController(conn, store, &fakeCompleter{})

	ctrl.Run(context.Background())

	require.Len(t, conn.framesOfType(frameError), 1)
	assert.Equal(t, StateClosed, ctrl.State())
	assert.Empty(t, store.sessions)
}

func TestPersistUserFailureAbortsTurnKeepsConnection(t *testing.T) {
	store := newMemStore()
	store.appendErr = fmt.Errorf("db down")

	conn := &fakeConn{inbound: []any{
		Request{Message: "first"},
		Request{Type: "ping"},
	}}
	completer := &fakeCompleter{}
	ctrl := testController(conn, store, completer)

	ctrl.Run(context.Background())

	require.Len(t, conn.framesOfType(frameError), 1)
	assert.Zero(t, completer.calls, "no upstream call without durable user message")
	// The loop consumed the trailing ping, so the connection survived
	// the failed turn.
	assert.Empty(t, conn.inbound)
}
