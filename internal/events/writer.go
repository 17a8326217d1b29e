package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Conversation lifecycle event types.
const (
	ConversationCreated = "conversation.created"
	ConversationHandoff = "conversation.handoff"
	ConversationReset   = "conversation.reset"
	ConversationClosed  = "conversation.closed"
)

// SystemActor is recorded when the orchestrator itself changes state.
const SystemActor = "orchestrator"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction so the event
// commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, conversationID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,conversation_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(conversationID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
