package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pawaovo/ai-coach/internal/metrics"
	"github.com/pawaovo/ai-coach/internal/models"
	"github.com/pawaovo/ai-coach/internal/sse"
)

// Options configures a connection controller.
type Options struct {
	// Persona is the system instruction leading every prompt.
	Persona string
	// HistoryLimit is the number of prior messages replayed per turn.
	HistoryLimit int
	// MaxRetries is the number of additional streamed-call attempts
	// after the first failure.
	MaxRetries int
}

// connClosedError marks errors that mean the client connection is gone
// and the receive loop must end.
type connClosedError struct {
	err error
}

func (e *connClosedError) Error() string { return fmt.Sprintf("connection closed: %v", e.err) }
func (e *connClosedError) Unwrap() error { return e.err }

// retryable is satisfied by upstream error types that are safe to retry.
type retryable interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// Controller owns exactly one client connection from accept to close. It
// runs a blocking receive loop; no two turns of the same connection
// execute concurrently.
type Controller struct {
	conn     Conn
	store    Store
	upstream Completer
	options  *OptionsGenerator
	opts     Options
	logger   *slog.Logger
	stats    *metrics.Collector

	userID    string
	sessionID string
	state     State
}

// NewController creates a controller for one accepted connection.
func NewController(conn Conn, store Store, completer Completer, userID string, opts Options, logger *slog.Logger, stats *metrics.Collector) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = metrics.NewCollector()
	}
	return &Controller{
		conn:     conn,
		store:    store,
		upstream: completer,
		options:  NewOptionsGenerator(completer, logger),
		opts:     opts,
		logger:   logger,
		stats:    stats,
		userID:   userID,
		state:    StateConnecting,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// SessionID returns the current session identifier, empty until the
// first turn establishes one.
func (c *Controller) SessionID() string { return c.sessionID }

func (c *Controller) setState(to State) {
	if !canTransition(c.state, to) {
		c.logger.Error("invalid state transition", "from", c.state, "to", to)
		return
	}
	c.logger.Debug("state transition", "from", c.state, "to", to)
	c.state = to
}

// send writes one frame; a write failure means the connection is gone.
func (c *Controller) send(f Frame) error {
	if err := c.conn.WriteJSON(f); err != nil {
		return &connClosedError{err: err}
	}
	return nil
}

// Run drives the receive loop until the connection closes. Each inbound
// frame is a ping (discarded) or a chat request (one full turn,
// including enrichment, before the next read).
func (c *Controller) Run(ctx context.Context) {
	c.setState(StateActive)
	defer c.setState(StateClosed)

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if isMalformedInput(err) {
				// Best effort notice, then close.
				_ = c.send(errorFrame("malformed request"))
				c.logger.Warn("closing connection on malformed frame", "error", err)
			} else {
				c.logger.Info("client disconnected", "error", err)
			}
			return
		}

		if req.IsPing() {
			continue
		}
		if strings.TrimSpace(req.Message) == "" {
			_ = c.send(errorFrame("message is required"))
			c.logger.Warn("closing connection on empty message frame")
			return
		}

		start := time.Now()
		err := c.runTurn(ctx, req)
		c.stats.RecordTiming(metrics.OpTurn, time.Since(start))
		if err != nil {
			c.logger.Info("connection lost during turn", "error", err, "session_id", c.sessionID)
			return
		}
	}
}

// runTurn executes one full turn. A non-nil return means the connection
// is unusable; turn-level failures notify the client and return nil so
// the loop keeps serving.
func (c *Controller) runTurn(ctx context.Context, req Request) error {
	// Lazily establish the session, announcing a fresh id before any
	// further processing. A client-supplied id must name a session this
	// connection's user owns.
	if req.SessionID != "" && req.SessionID != c.sessionID {
		session, err := c.store.GetSession(ctx, req.SessionID)
		if err != nil || session.UserID != c.userID {
			c.logger.Warn("rejected session id", "error", err, "session_id", req.SessionID, "user_id", c.userID)
			return c.send(errorFrame("session not found"))
		}
		c.sessionID = req.SessionID
	}
	if c.sessionID == "" {
		session, err := c.store.CreateSession(ctx, c.userID, req.ToolType)
		if err != nil {
			c.logger.Error("create session failed", "error", err, "user_id", c.userID)
			return c.send(errorFrame("failed to create session"))
		}
		c.sessionID = session.ID
		if err := c.send(sessionFrame(session.ID)); err != nil {
			return err
		}
	}

	// Bounded history window: fetched newest-first, replayed oldest-first.
	queryStart := time.Now()
	recent, err := c.store.RecentMessages(ctx, c.sessionID, c.opts.HistoryLimit)
	c.stats.RecordTiming(metrics.OpStoreQuery, time.Since(queryStart))
	if err != nil {
		c.logger.Error("history query failed", "error", err, "session_id", c.sessionID)
		return c.send(errorFrame("failed to load history"))
	}
	history := reverseMessages(recent)

	// The user message is durable before any upstream call is attempted.
	appendStart := time.Now()
	_, err = c.store.AppendMessage(ctx, c.sessionID, models.RoleUser, req.Message)
	c.stats.RecordTiming(metrics.OpStoreAppend, time.Since(appendStart))
	if err != nil {
		c.logger.Error("persist user message failed", "error", err, "session_id", c.sessionID)
		return c.send(errorFrame("failed to persist message"))
	}

	prompt := BuildPrompt(c.opts.Persona, history, req.Message)

	c.setState(StateAwaitingUpstream)
	assistantText, streamErr := c.streamWithRetry(ctx, prompt)
	if streamErr != nil {
		var closed *connClosedError
		if errors.As(streamErr, &closed) {
			return streamErr
		}
		c.logger.Error("streamed completion failed", "error", streamErr, "session_id", c.sessionID)
		c.setState(StateActive)
		return c.send(errorFrame("upstream request failed"))
	}

	c.setState(StateFinalizing)

	// "Completed but silent" streams still persist an empty assistant
	// message.
	appendStart = time.Now()
	_, err = c.store.AppendMessage(ctx, c.sessionID, models.RoleAssistant, assistantText)
	c.stats.RecordTiming(metrics.OpStoreAppend, time.Since(appendStart))
	if err != nil {
		c.logger.Error("persist assistant message failed", "error", err, "session_id", c.sessionID)
		c.setState(StateActive)
		return c.send(errorFrame("failed to persist reply"))
	}

	enrichStart := time.Now()
	opts := c.options.Generate(ctx, history, req.Message, assistantText)
	c.stats.RecordTiming(metrics.OpEnrichment, time.Since(enrichStart))
	if len(opts) > 0 {
		if err := c.send(optionsFrame(opts)); err != nil {
			return err
		}
	}

	if err := c.send(doneFrame(c.sessionID)); err != nil {
		return err
	}
	c.setState(StateActive)
	return nil
}

// streamWithRetry wraps the streamed call in a bounded retry loop.
// Failures are only retried while no fragment has been forwarded to the
// client; after that a duplicate-output retry would be worse than the
// failure, so the turn fails immediately.
func (c *Controller) streamWithRetry(ctx context.Context, prompt []models.ChatMessage) (string, error) {
	var acc strings.Builder
	forwarded := false

	attempts := c.opts.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := c.streamOnce(ctx, prompt, &acc, &forwarded)
		c.stats.RecordTiming(metrics.OpUpstreamStream, time.Since(start))
		if err == nil {
			return acc.String(), nil
		}

		var closed *connClosedError
		if errors.As(err, &closed) {
			return "", err
		}
		if forwarded || !isRetryable(err) || attempt == attempts {
			return "", err
		}

		c.logger.Warn("streamed call failed, retrying",
			"attempt", attempt, "max_retries", c.opts.MaxRetries, "error", err, "session_id", c.sessionID)
		notice := fmt.Sprintf("请求失败，正在重试 (%d/%d)...", attempt, c.opts.MaxRetries)
		if sendErr := c.send(errorFrame(notice)); sendErr != nil {
			return "", sendErr
		}
		if c.state == StateStreaming {
			c.setState(StateAwaitingUpstream)
		}
	}
	return "", fmt.Errorf("retry budget exhausted")
}

// streamOnce performs a single streamed attempt, forwarding fragments as
// they decode and accumulating them into acc.
func (c *Controller) streamOnce(ctx context.Context, prompt []models.ChatMessage, acc *strings.Builder, forwarded *bool) error {
	body, err := c.upstream.CompleteStreamed(ctx, prompt)
	if err != nil {
		return err
	}
	defer body.Close()

	c.setState(StateStreaming)

	var dec sse.Decoder
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			fragments, decErr := dec.Feed(buf[:n])
			for _, fragment := range fragments {
				if fragment == "" {
					continue
				}
				acc.WriteString(fragment)
				if err := c.send(chunkFrame(fragment)); err != nil {
					return err
				}
				*forwarded = true
			}
			if decErr != nil {
				return fmt.Errorf("decode stream: %w", decErr)
			}
		}
		if dec.Done() {
			return nil
		}
		if readErr != nil {
			// EOF without the terminal sentinel is an interrupted
			// stream, not a completion.
			if readErr == io.EOF {
				readErr = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read stream: %w", wrapTransport(readErr))
		}
	}
}

// wrapTransport classifies mid-stream read failures as retryable
// transport errors.
func wrapTransport(err error) error {
	return &streamReadError{err: err}
}

// streamReadError is a retryable wrapper for failures while reading the
// event stream.
type streamReadError struct {
	err error
}

func (e *streamReadError) Error() string   { return e.err.Error() }
func (e *streamReadError) Unwrap() error   { return e.err }
func (e *streamReadError) Retryable() bool { return true }

// isMalformedInput reports whether a read error came from an
// unparseable frame rather than a closed transport.
func isMalformedInput(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
