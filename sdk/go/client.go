package conciergesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal concierge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Conversation represents the API conversation model.
type Conversation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Status    string         `json:"status"`
	Slots     map[string]any `json:"slots"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	OrderIndex     int    `json:"order_index"`
	CreatedAt      string `json:"created_at"`
}

// ToolCall is an audited tool invocation.
type ToolCall struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	MessageID      *int64         `json:"message_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output"`
	DurationMS     int64          `json:"duration_ms"`
	Status         string         `json:"status"`
	ErrorDetail    string         `json:"error_detail,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// TurnResult is the outcome of sending one user message.
type TurnResult struct {
	ConversationID string         `json:"conversation_id"`
	Response       string         `json:"response"`
	ToolCalls      []ToolCall     `json:"tool_calls"`
	Status         string         `json:"conversation_status"`
	LatencyMS      int64          `json:"latency_ms"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Slots          map[string]any `json:"slots"`
}

// HandoffResult confirms an operator takeover.
type HandoffResult struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
}

// Breaker is a per-tool circuit breaker snapshot.
type Breaker struct {
	Tool                string `json:"tool"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Open                bool   `json:"open"`
	OpenUntil           string `json:"open_until,omitempty"`
}

// Event represents a lifecycle log entry.
type Event struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ActorID        string         `json:"actor_id"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateConversation opens a conversation for userID, which may be empty.
func (c *Client) CreateConversation(ctx context.Context, userID string) (Conversation, error) {
	body := map[string]any{}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp Conversation
	err := c.do(ctx, http.MethodPost, "conversations", body, &resp)
	return resp, err
}

// GetConversation fetches a conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var resp Conversation
	err := c.do(ctx, http.MethodGet, conversationPath(id, ""), nil, &resp)
	return resp, err
}

// ListConversations returns conversations, optionally filtered by status.
func (c *Client) ListConversations(ctx context.Context, status string, limit int) ([]Conversation, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Conversation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("conversations", q), nil, &resp)
	return resp.Items, err
}

// SendMessage runs one turn on a conversation.
func (c *Client) SendMessage(ctx context.Context, id, content string) (TurnResult, error) {
	var resp TurnResult
	err := c.do(ctx, http.MethodPost, conversationPath(id, "messages"), map[string]any{"content": content}, &resp)
	return resp, err
}

// Chat runs one turn through the single-endpoint form.
func (c *Client) Chat(ctx context.Context, id, message string) (TurnResult, error) {
	body := map[string]any{
		"conversation_id": id,
		"message":         message,
	}
	var resp TurnResult
	err := c.do(ctx, http.MethodPost, "chat", body, &resp)
	return resp, err
}

// History returns the transcript in order.
func (c *Client) History(ctx context.Context, id string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, conversationPath(id, "history"), nil, &resp)
	return resp, err
}

// ToolCalls returns the audit records for a conversation.
func (c *Client) ToolCalls(ctx context.Context, id string) ([]ToolCall, error) {
	var resp []ToolCall
	err := c.do(ctx, http.MethodGet, conversationPath(id, "tool-calls"), nil, &resp)
	return resp, err
}

// Handoff moves a conversation to a human operator.
func (c *Client) Handoff(ctx context.Context, id, reason string) (HandoffResult, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp HandoffResult
	err := c.do(ctx, http.MethodPost, conversationPath(id, "handoff"), body, &resp)
	return resp, err
}

// Reset returns a handed-off conversation to automation.
func (c *Client) Reset(ctx context.Context, id string) (Conversation, error) {
	var resp Conversation
	err := c.do(ctx, http.MethodPost, conversationPath(id, "reset"), nil, &resp)
	return resp, err
}

// Close closes a conversation.
func (c *Client) Close(ctx context.Context, id string) (Conversation, error) {
	var resp Conversation
	err := c.do(ctx, http.MethodPost, conversationPath(id, "close"), nil, &resp)
	return resp, err
}

// Breakers returns the circuit breaker snapshot.
func (c *Client) Breakers(ctx context.Context) ([]Breaker, error) {
	var resp []Breaker
	err := c.do(ctx, http.MethodGet, "breakers", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, conversationID, eventType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func conversationPath(id, sub string) string {
	p := "conversations/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
