// Package upstream is a thin client for an OpenAI-compatible
// chat-completion endpoint, in streamed and single-shot modes. Retry
// policy belongs to the caller, not this client.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pawaovo/ai-coach/internal/models"
)

// completionRequest is the wire shape of a chat-completion call.
type completionRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// completionResponse is the single-shot response body.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client issues chat-completion requests against a fixed endpoint/model.
type Client struct {
	streamClient *http.Client
	onceClient   *http.Client
	baseURL      string
	apiKey       string
	model        string
	logger       *slog.Logger
}

// NewClient creates an upstream client. For single-shot calls the timeout
// bounds the whole exchange. For streamed calls it bounds connect and
// response headers only; a reply is allowed to stream tokens for longer
// than the timeout, as long as the server keeps sending.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		streamClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
			},
		},
		onceClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		logger:     logger,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// CompleteStreamed issues a streamed completion request and returns the
// raw event-stream body. The caller owns closing the reader; closing it
// early aborts the request.
func (c *Client) CompleteStreamed(ctx context.Context, messages []models.ChatMessage) (io.ReadCloser, error) {
	resp, err := c.post(ctx, messages, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// CompleteOnce issues a single-shot completion request and returns the
// text content of the first choice.
func (c *Client) CompleteOnce(ctx context.Context, messages []models.ChatMessage) (string, error) {
	resp, err := c.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, messages []models.ChatMessage, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(completionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("upstream request", "model", c.model, "stream", stream, "messages", len(messages))

	httpClient := c.onceClient
	if stream {
		httpClient = c.streamClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}
