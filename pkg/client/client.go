package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/zhouzirui/buddychat/pkg/protocol"
)

// ErrIncompleteStream means the response ended without a done or error frame.
var ErrIncompleteStream = errors.New("stream ended before completion")

// HTTPStatusError captures non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Client talks to a buddychat backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	reader     StreamReader
}

type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Streaming requests rely on the context
// for cancellation, so a client-wide Timeout caps the whole stream.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithStreamReader sets the transport strategy explicitly.
func WithStreamReader(reader StreamReader) Option {
	return func(c *Client) {
		c.reader = reader
	}
}

// WithPlatform selects the transport strategy for a platform.
func WithPlatform(platform Platform) Option {
	return func(c *Client) {
		c.reader = NewStreamReader(platform)
	}
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: invalid base url: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		reader:     &IncrementalReader{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StreamChat posts one message and feeds every frame of the reply to handle. It
// returns nil only when the response ended after a terminal frame.
func (c *Client) StreamChat(ctx context.Context, req protocol.ChatRequest, handle FrameHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("network request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	terminated := false
	err = c.reader.Consume(ctx, resp.Body, func(frame protocol.Frame) {
		if frame.Terminal() {
			terminated = true
		}
		handle(frame)
	})
	if err != nil {
		return err
	}
	if !terminated {
		return ErrIncompleteStream
	}
	return nil
}

// ListConversations returns conversations, most recently updated first.
func (c *Client) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	var out []protocol.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the persisted turns of a conversation in creation order.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	var out []protocol.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteConversation removes a conversation together with its turns.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	var out protocol.DeleteResponse
	if err := c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID), &out); err != nil {
		return err
	}
	if !out.Success {
		return errors.New("delete conversation: server reported failure")
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		URL:        resp.Request.URL.String(),
		Body:       strings.TrimSpace(string(body)),
	}
}
