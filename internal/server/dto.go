package server

import (
	"encoding/json"
	"time"

	"concierge/internal/breaker"
	"concierge/internal/domain"
)

// Request payloads

type CreateConversationRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type SendMessageRequest struct {
	Content string `json:"content" minLength:"1" maxLength:"4000"`
}

type ChatRequest struct {
	ConversationID string `json:"conversation_id" minLength:"1"`
	Message        string `json:"message" minLength:"1" maxLength:"4000"`
}

type HandoffRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

// Response payloads

type BreakerResponse struct {
	Tool                string  `json:"tool"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Open                bool    `json:"open"`
	OpenUntil           *string `json:"open_until,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts" format:"date-time"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ActorID        string         `json:"actor_id"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type paginatedConversations struct {
	Items []domain.Conversation `json:"items"`
}

func breakerResponse(s breaker.State) BreakerResponse {
	res := BreakerResponse{
		Tool:                s.Tool,
		ConsecutiveFailures: s.ConsecutiveFailures,
		Open:                s.Open,
	}
	if !s.OpenUntil.IsZero() {
		res.OpenUntil = strPtr(s.OpenUntil.UTC().Format(time.RFC3339Nano))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:             e.ID,
		TS:             e.TS,
		Type:           e.Type,
		ConversationID: e.ConversationID,
		ActorID:        e.ActorID,
		Payload:        decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
