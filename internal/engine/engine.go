package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"concierge/internal/config"
	"concierge/internal/domain"
	"concierge/internal/events"
	"concierge/internal/lock"
	"concierge/internal/policy"
	"concierge/internal/tools"
)

var (
	// ErrConversationBusy is returned when another turn holds the
	// conversation for longer than the configured lock wait.
	ErrConversationBusy = errors.New("conversation busy")
	// ErrInvalidTransition is returned by operator operations that do not
	// apply to the conversation's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence port used by the engine.
type Store interface {
	CreateConversation(ctx context.Context, c domain.Conversation, actorID string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, status string, limit int) ([]domain.Conversation, error)
	SaveConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	TransitionStatus(ctx context.Context, id, status, evtType, actorID string, payload events.EventPayload) (domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (domain.Message, error)
	LoadHistory(ctx context.Context, conversationID string) ([]domain.Message, error)
	AppendToolRecord(ctx context.Context, rec domain.ToolInvocationRecord) (domain.ToolInvocationRecord, error)
	ListToolRecords(ctx context.Context, conversationID string) ([]domain.ToolInvocationRecord, error)
	LatestEvents(ctx context.Context, n int, conversationID, evtType string) ([]domain.Event, error)
}

// Dispatcher runs one tool call within the remaining turn budget.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call, remaining time.Duration) tools.Outcome
}

type Engine struct {
	Store  Store
	Policy policy.Policy
	Tools  Dispatcher
	Locks  lock.Locker
	Config *config.Config
	Logger *slog.Logger
}

func New(store Store, p policy.Policy, d Dispatcher, locks lock.Locker, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = lock.NewLocal()
	}
	return Engine{
		Store:  store,
		Policy: p,
		Tools:  d,
		Locks:  locks,
		Config: cfg,
		Logger: logger,
	}
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// acquire takes the per-conversation lock, waiting at most turn.lock_wait.
func (e Engine) acquire(ctx context.Context, conversationID string) (func(), error) {
	wait := e.cfg().Turn.LockWait
	lockCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	unlock, err := e.Locks.Lock(lockCtx, conversationID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) && ctx.Err() == nil {
			return nil, ErrConversationBusy
		}
		return nil, fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	return unlock, nil
}

// CreateConversation starts an active conversation with empty slots.
func (e Engine) CreateConversation(ctx context.Context, userID, actorID string) (domain.Conversation, error) {
	c, err := e.Store.CreateConversation(ctx, domain.Conversation{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: domain.StatusActive,
		Slots:  domain.Slots{},
	}, actorID)
	if err != nil {
		return domain.Conversation{}, err
	}
	e.logger().InfoContext(ctx, "conversation created", "conversation_id", c.ID, "user_id", userID)
	return c, nil
}

func (e Engine) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return e.Store.GetConversation(ctx, id)
}

func (e Engine) ListConversations(ctx context.Context, status string, limit int) ([]domain.Conversation, error) {
	return e.Store.ListConversations(ctx, status, limit)
}

// History returns the conversation's messages in order index order.
func (e Engine) History(ctx context.Context, id string) ([]domain.Message, error) {
	if _, err := e.Store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.LoadHistory(ctx, id)
}

func (e Engine) ToolCalls(ctx context.Context, id string) ([]domain.ToolInvocationRecord, error) {
	if _, err := e.Store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return e.Store.ListToolRecords(ctx, id)
}

func (e Engine) Events(ctx context.Context, n int, conversationID, evtType string) ([]domain.Event, error) {
	return e.Store.LatestEvents(ctx, n, conversationID, evtType)
}

// HandoffResult describes an operator takeover.
type HandoffResult struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
}

// Handoff moves a conversation to a human operator. The takeover is recorded
// as an assistant notice plus a successful handoff_to_human invocation so
// the audit trail matches an automated handoff.
func (e Engine) Handoff(ctx context.Context, id, reason, actorID string) (HandoffResult, error) {
	if reason == "" {
		reason = DefaultHandoffReason
	}
	unlock, err := e.acquire(ctx, id)
	if err != nil {
		return HandoffResult{}, err
	}
	defer unlock()

	c, err := e.Store.GetConversation(ctx, id)
	if err != nil {
		return HandoffResult{}, err
	}
	if c.Status == domain.StatusClosed {
		return HandoffResult{}, fmt.Errorf("%w: conversation %s is closed", ErrInvalidTransition, id)
	}
	if c.Status != domain.StatusHandoff {
		if _, err := e.Store.TransitionStatus(ctx, id, domain.StatusHandoff, events.ConversationHandoff, actorID, events.EventPayload{"reason": reason}); err != nil {
			return HandoffResult{}, err
		}
	}
	msg, err := e.Store.AppendMessage(ctx, id, domain.RoleAssistant, EmergencyHandoffReply)
	if err != nil {
		return HandoffResult{}, err
	}
	if _, err := e.Store.AppendToolRecord(ctx, domain.ToolInvocationRecord{
		ConversationID: id,
		MessageID:      &msg.ID,
		ToolName:       domain.ToolHandoffToHuman,
		Input:          map[string]any{"reason": reason},
		Output:         map[string]any{"status": "handoff_initiated", "reason": reason},
		Status:         domain.ToolSuccess,
	}); err != nil {
		return HandoffResult{}, err
	}
	e.logger().InfoContext(ctx, "operator handoff", "conversation_id", id, "actor", actorID, "reason", reason)
	return HandoffResult{ConversationID: id, Status: domain.StatusHandoff, Reason: reason}, nil
}

// ResetConversation returns a handed-off conversation to automated handling.
func (e Engine) ResetConversation(ctx context.Context, id, actorID string) (domain.Conversation, error) {
	unlock, err := e.acquire(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer unlock()

	c, err := e.Store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if c.Status != domain.StatusHandoff {
		return domain.Conversation{}, fmt.Errorf("%w: conversation %s is %s, not handoff", ErrInvalidTransition, id, c.Status)
	}
	c, err = e.Store.TransitionStatus(ctx, id, domain.StatusActive, events.ConversationReset, actorID, nil)
	if err != nil {
		return domain.Conversation{}, err
	}
	e.logger().InfoContext(ctx, "conversation reset", "conversation_id", id, "actor", actorID)
	return c, nil
}

// CloseConversation ends a conversation. Closing twice is a no-op.
func (e Engine) CloseConversation(ctx context.Context, id, actorID string) (domain.Conversation, error) {
	unlock, err := e.acquire(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer unlock()

	c, err := e.Store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if c.Status == domain.StatusClosed {
		return c, nil
	}
	c, err = e.Store.TransitionStatus(ctx, id, domain.StatusClosed, events.ConversationClosed, actorID, nil)
	if err != nil {
		return domain.Conversation{}, err
	}
	e.logger().InfoContext(ctx, "conversation closed", "conversation_id", id, "actor", actorID)
	return c, nil
}
