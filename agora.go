// Package agora provides the Go client for the Agora community portal's
// realtime messaging backend.
//
// The package covers the realtime synchronization core: per-room chat
// sessions with cursor-based long-poll sync, a presence heartbeat
// controller, a presence-aggregation push subscriber, and a per-room push
// channel with bounded reconnection.
//
// Example:
//
//	client := agora.NewClient("agora-token-...")
//
//	session := agora.NewChatChannelSession(client, nil)
//	session.OnMessage(func(msg agora.ChatMessage) { fmt.Println(msg.Text) })
//	if err := session.Initialize(ctx, "lobby"); err != nil {
//		log.Fatal(err)
//	}
//	defer session.Teardown()
package agora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production portal endpoint.
	DefaultBaseURL = "https://agora.town"

	// DefaultTimeout bounds ordinary REST calls. Long-poll sync requests
	// override it with their own generous budget.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP client for the portal's messaging backend. Realtime
// components take a Client and consume the narrow slice of it they need.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	chat     *ChatService
	presence *PresenceService
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the portal endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the REST call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger supplies a structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a portal client. token may be empty for unauthenticated
// use; session initialization will then fail fast without network calls.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.chat = &ChatService{client: c}
	c.presence = &PresenceService{client: c}
	return c
}

// SetToken sets or replaces the auth credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// HasCredential reports whether an auth credential is present.
func (c *Client) HasCredential() bool {
	return c.token != ""
}

// Chat returns the chat transport sub-client.
func (c *Client) Chat() *ChatService {
	return c.chat
}

// Presence returns the presence transport sub-client.
func (c *Client) Presence() *PresenceService {
	return c.presence
}

// SocketURL converts the portal base URL to the websocket scheme and appends
// path. The auth token is carried as a query parameter.
func (c *Client) SocketURL(path string) string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += path
	if c.token != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(c.token)
	}
	return u
}

// ============================================================================
// Request helpers
// ============================================================================

// HTTPStatusError is returned for non-2xx responses. The sync loop treats it
// as transient and retries with the same cursor.
type HTTPStatusError struct {
	StatusCode int
	API        *APIError
}

func (e *HTTPStatusError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode}
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			statusErr.API = &apiErr
		}
		return data, statusErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat Service
// ============================================================================

// ChatService implements the chat transport contracts: session bootstrap,
// room join, history paging, long-poll sync, send, and typing signals.
type ChatService struct {
	client *Client
}

// Bootstrap requests session credentials and room metadata for roomSlug.
func (s *ChatService) Bootstrap(ctx context.Context, roomSlug string) (*BootstrapResult, error) {
	data, err := s.client.doRequest(ctx, "POST", "/api/chat/bootstrap", map[string]string{"roomSlug": roomSlug}, nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %q: %w", roomSlug, err)
	}
	return decodeJSON[BootstrapResult](data)
}

// Join joins a room by id. The call is idempotent: an "already a member"
// rejection counts as success.
func (s *ChatService) Join(ctx context.Context, roomID string) error {
	_, err := s.client.doRequest(ctx, "POST", "/api/chat/rooms/"+url.PathEscape(roomID)+"/join", nil, nil)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode == http.StatusConflict {
				return nil
			}
			if statusErr.API != nil && statusErr.API.Code == "ALREADY_JOINED" {
				return nil
			}
		}
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	return nil
}

// HistoryDirection selects paging direction for History.
type HistoryDirection string

const (
	HistoryBackward HistoryDirection = "backward"
	HistoryForward  HistoryDirection = "forward"
)

// History fetches a page of timeline events. Backward pages arrive
// newest-first.
func (s *ChatService) History(ctx context.Context, roomID string, dir HistoryDirection, limit int) (*HistoryResult, error) {
	data, err := s.client.doRequest(ctx, "GET", "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages", nil, map[string]string{
		"dir":   string(dir),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("history for room %s: %w", roomID, err)
	}
	return decodeJSON[HistoryResult](data)
}

// Sync issues one long-poll request. cursor may be empty for the initial
// call; timeout is the server-side wait budget (zero returns immediately
// with the current cursor). The call is resumable from any previously
// issued cursor.
func (s *ChatService) Sync(ctx context.Context, cursor string, timeout time.Duration) (*SyncResult, error) {
	query := map[string]string{
		"timeout": strconv.FormatInt(timeout.Milliseconds(), 10),
	}
	if cursor != "" {
		query["cursor"] = cursor
	}
	data, err := s.client.doRequest(ctx, "GET", "/api/chat/sync", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SyncResult](data)
}

// Send posts a message body to a room and returns the confirmed event id.
func (s *ChatService) Send(ctx context.Context, roomID, body string) (*SendResult, error) {
	data, err := s.client.doRequest(ctx, "POST", "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages", map[string]string{"body": body}, nil)
	if err != nil {
		return nil, fmt.Errorf("send to room %s: %w", roomID, err)
	}
	return decodeJSON[SendResult](data)
}

// Typing reports a typing start/stop signal. Fire-and-forget from the
// caller's perspective; failures are for logging only.
func (s *ChatService) Typing(ctx context.Context, roomID string, isTyping bool) error {
	_, err := s.client.doRequest(ctx, "PUT", "/api/chat/rooms/"+url.PathEscape(roomID)+"/typing", map[string]bool{"isTyping": isTyping}, nil)
	return err
}

// ============================================================================
// Presence Service
// ============================================================================

// PresenceService implements the presence report transport.
type PresenceService struct {
	client *Client
}

// Report submits a presence report. Any non-success response surfaces as an
// error the caller should log, not retry.
func (s *PresenceService) Report(ctx context.Context, report PresenceReport) error {
	_, err := s.client.doRequest(ctx, "PUT", "/api/presence/report", report, nil)
	if err != nil {
		return fmt.Errorf("presence report: %w", err)
	}
	return nil
}

// AggregatorURL returns the websocket URL of the presence aggregation
// channel.
func (s *PresenceService) AggregatorURL() string {
	return s.client.SocketURL("/ws/presence")
}

// RoomSocketURL returns the websocket URL of a room's push channel.
func (s *PresenceService) RoomSocketURL() string {
	return s.client.SocketURL("/ws/rooms")
}
