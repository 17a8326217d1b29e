package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"concierge/internal/domain"
	"concierge/internal/events"
)

// Repo is the SQLite-backed conversation store. It implements the
// persistence and audit ports consumed by the engine and the tool gateway.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

const conversationColumns = `id,COALESCE(user_id,'') AS user_id,status,slots_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (domain.Conversation, error) {
	var c domain.Conversation
	var slotsJSON string
	if err := row.Scan(&c.ID, &c.UserID, &c.Status, &slotsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	c.Slots = domain.Slots{}
	if slotsJSON != "" {
		if err := json.Unmarshal([]byte(slotsJSON), &c.Slots); err != nil {
			return c, fmt.Errorf("decode slots for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// CreateConversation inserts a conversation and its creation event.
func (r Repo) CreateConversation(ctx context.Context, c domain.Conversation, actorID string) (domain.Conversation, error) {
	if c.ID == "" {
		return domain.Conversation{}, errors.New("conversation id is required")
	}
	if c.Status == "" {
		c.Status = domain.StatusActive
	}
	if c.Slots == nil {
		c.Slots = domain.Slots{}
	}
	now := r.now()
	c.CreatedAt, c.UpdatedAt = now, now
	slotsJSON, err := json.Marshal(c.Slots)
	if err != nil {
		return domain.Conversation{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO conversations(id,user_id,status,slots_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		c.ID, nullable(c.UserID), c.Status, string(slotsJSON), c.CreatedAt, c.UpdatedAt); err != nil {
		return domain.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.ConversationCreated, c.ID, actorID, events.EventPayload{"user_id": c.UserID}); err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return scanConversation(r.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id))
}

func (r Repo) ListConversations(ctx context.Context, status string, limit int) ([]domain.Conversation, error) {
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SaveConversation persists slots and status.
func (r Repo) SaveConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if c.Slots == nil {
		c.Slots = domain.Slots{}
	}
	slotsJSON, err := json.Marshal(c.Slots)
	if err != nil {
		return domain.Conversation{}, err
	}
	c.UpdatedAt = r.now()
	res, err := r.DB.ExecContext(ctx, `UPDATE conversations SET status=?, slots_json=?, updated_at=? WHERE id=?`,
		c.Status, string(slotsJSON), c.UpdatedAt, c.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	return c, nil
}

// TransitionStatus moves a conversation to status and records evtType in the
// same transaction.
func (r Repo) TransitionStatus(ctx context.Context, id, status, evtType, actorID string, payload events.EventPayload) (domain.Conversation, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer tx.Rollback()
	c, err := scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id))
	if err != nil {
		return domain.Conversation{}, err
	}
	from := c.Status
	c.Status = status
	c.UpdatedAt = r.now()
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET status=?, updated_at=? WHERE id=?`, c.Status, c.UpdatedAt, id); err != nil {
		return domain.Conversation{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = from
	payload["to"] = status
	if err := r.Events.Append(ctx, tx, evtType, id, actorID, payload); err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

// AppendMessage assigns the next order index (previous max + 1) and inserts
// the message in one transaction.
func (r Repo) AppendMessage(ctx context.Context, conversationID, role, content string) (domain.Message, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id=?`, conversationID).Scan(&exists); err != nil {
		return domain.Message{}, err
	}
	if exists == 0 {
		return domain.Message{}, ErrNotFound
	}
	m := domain.Message{ConversationID: conversationID, Role: role, Content: content, CreatedAt: r.now()}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_index),0)+1 FROM messages WHERE conversation_id=?`, conversationID).Scan(&m.OrderIndex); err != nil {
		return domain.Message{}, fmt.Errorf("next order index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(conversation_id,role,content,order_index,created_at) VALUES (?,?,?,?,?)`,
		m.ConversationID, m.Role, m.Content, m.OrderIndex, m.CreatedAt)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// LoadHistory returns messages ordered by order index.
func (r Repo) LoadHistory(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,conversation_id,role,content,order_index,created_at FROM messages WHERE conversation_id=? ORDER BY order_index, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.OrderIndex, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AppendToolRecord writes one immutable invocation record.
func (r Repo) AppendToolRecord(ctx context.Context, rec domain.ToolInvocationRecord) (domain.ToolInvocationRecord, error) {
	if rec.Input == nil {
		rec.Input = map[string]any{}
	}
	if rec.Output == nil {
		rec.Output = map[string]any{}
	}
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return domain.ToolInvocationRecord{}, fmt.Errorf("marshal tool input: %w", err)
	}
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return domain.ToolInvocationRecord{}, fmt.Errorf("marshal tool output: %w", err)
	}
	rec.CreatedAt = r.now()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tool_invocations(conversation_id,message_id,tool_name,input_json,output_json,duration_ms,status,error_detail,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ConversationID, nullableInt64(rec.MessageID), rec.ToolName, string(input), string(output), rec.DurationMS, rec.Status, nullable(rec.ErrorDetail), rec.CreatedAt)
	if err != nil {
		return domain.ToolInvocationRecord{}, fmt.Errorf("insert tool invocation: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return domain.ToolInvocationRecord{}, err
	}
	return rec, nil
}

func (r Repo) ListToolRecords(ctx context.Context, conversationID string) ([]domain.ToolInvocationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,conversation_id,message_id,tool_name,input_json,output_json,duration_ms,status,COALESCE(error_detail,''),created_at
FROM tool_invocations WHERE conversation_id=? ORDER BY id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ToolInvocationRecord
	for rows.Next() {
		var (
			rec           domain.ToolInvocationRecord
			msgID         sql.NullInt64
			input, output string
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &msgID, &rec.ToolName, &input, &output, &rec.DurationMS, &rec.Status, &rec.ErrorDetail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if msgID.Valid {
			v := msgID.Int64
			rec.MessageID = &v
		}
		if err := json.Unmarshal([]byte(input), &rec.Input); err != nil {
			return nil, fmt.Errorf("decode tool input %d: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(output), &rec.Output); err != nil {
			return nil, fmt.Errorf("decode tool output %d: %w", rec.ID, err)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestEvents returns up to n events, newest first.
func (r Repo) LatestEvents(ctx context.Context, n int, conversationID, evtType string) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if conversationID != "" {
		clauses = append(clauses, "conversation_id=?")
		args = append(args, conversationID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(conversation_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ConversationID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than afterID,
// oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(conversation_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ConversationID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
