// Package db provides the SurrealDB-backed chat store with
// auto-reconnect support.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrade needs HTTP/1.1 semantics; keep HTTP/2 out of the
	// ALPN negotiation for wss endpoints.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

// chatTables are the tables owned by this store, in delete order
// (messages reference sessions).
var chatTables = []string{"chat_message", "chat_session"}

// Client wraps a SurrealDB connection with auto-reconnect and exposes the
// chat store operations (see store.go).
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	cfg    Config
	logger logger.Logger
}

// NewClient connects, authenticates and selects the chat database. The
// connection reconnects itself with exponential backoff when the server
// goes away mid-session.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())

	conn := newReconnectingConn(cfg.URL, sdkLogger)

	sdkLogger.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	if err := signIn(ctx, db, cfg); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}

	sdkLogger.Info("SurrealDB connection established", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, cfg: cfg, logger: sdkLogger}, nil
}

// newReconnectingConn builds the rews wrapper around a gorilla websocket
// connection with the surrealcbor codec.
func newReconnectingConn(url string, sdkLogger logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself.
	baseURL := strings.TrimSuffix(url, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	return conn
}

func signIn(ctx context.Context, db *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("signin: %w", err)
	}
	return nil
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("closing SurrealDB connection")
	return c.conn.Close(ctx)
}

// DB returns the underlying SurrealDB client for queries.
func (c *Client) DB() *surrealdb.DB {
	return c.db
}

// InitSchema creates the chat tables and indexes. Idempotent.
func (c *Client) InitSchema(ctx context.Context) error {
	c.logger.Info("initializing chat schema")
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// WipeData deletes all chat data while preserving schema. Testing only.
func (c *Client) WipeData(ctx context.Context) error {
	c.logger.Warn("wiping all chat data")
	for _, table := range chatTables {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE "+table, nil); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
