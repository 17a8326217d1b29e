package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"concierge/internal/config"
	"concierge/internal/domain"
	"concierge/internal/events"
	"concierge/internal/policy"
	"concierge/internal/slots"
	"concierge/internal/tools"
)

// User-visible replies produced by the engine itself.
const (
	SLAFallbackReply      = "We are experiencing delays. Please try again later."
	CalendarFallbackReply = "I'm having trouble checking the calendar right now, but I can take your contact info."
	ToolFailureReply      = "I'm having trouble completing that action right now. I can connect you to a human."
	PolicyErrorReply      = "I could not determine the next step."
	HandoffActiveReply    = "A human operator is currently handling this conversation."
	ClosedReply           = "This conversation is closed."
	HandoffStartedReply   = "I am connecting you to an operator now."
	EmergencyHandoffReply = "Emergency takeover enabled. A human operator has been notified."
	DefaultHandoffReason  = "Manual emergency takeover from console"
)

// TurnResult is what a caller sees after one user message.
type TurnResult struct {
	ConversationID string                        `json:"conversation_id"`
	Reply          string                        `json:"response"`
	ToolCalls      []domain.ToolInvocationRecord `json:"tool_calls"`
	Status         string                        `json:"conversation_status"`
	LatencyMS      int64                         `json:"latency_ms"`
	Confidence     *float64                      `json:"confidence,omitempty"`
	Slots          domain.Slots                  `json:"slots"`
}

type turnState int

const (
	stateExtracting turnState = iota
	stateDeciding
	stateReplying
	stateDispatching
	stateUpdating
	stateDone
)

func (s turnState) String() string {
	switch s {
	case stateExtracting:
		return "extracting"
	case stateDeciding:
		return "deciding"
	case stateReplying:
		return "replying"
	case stateDispatching:
		return "dispatching"
	case stateUpdating:
		return "updating"
	default:
		return "done"
	}
}

// turn carries the mutable state of one HandleTurn call.
type turn struct {
	conv       domain.Conversation
	message    string
	userMsg    domain.Message
	deadline   time.Time
	action     policy.Action
	outcome    tools.Outcome
	reply      string
	records    []domain.ToolInvocationRecord
	confidence *float64
}

func (t *turn) remaining() time.Duration { return time.Until(t.deadline) }

// HandleTurn processes one user message. Failures inside the turn never
// surface as errors; they become fallback replies. Errors are returned only
// for an unknown conversation, a busy conversation or a store failure.
func (e Engine) HandleTurn(ctx context.Context, conversationID, message string) (TurnResult, error) {
	entered := time.Now()
	log := e.logger().With("conversation_id", conversationID)

	unlock, err := e.acquire(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	conv, err := e.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	switch conv.Status {
	case domain.StatusHandoff:
		return e.result(conv, HandoffActiveReply, nil, nil, entered), nil
	case domain.StatusClosed:
		return e.result(conv, ClosedReply, nil, nil, entered), nil
	}

	cfg := e.cfg()
	t := &turn{conv: conv, message: message, deadline: time.Now().Add(cfg.Turn.Deadline)}
	turnCtx, cancel := context.WithDeadline(ctx, t.deadline)
	defer cancel()

	// One iteration is a decide-and-act cycle. Extraction precedes the
	// first one; dispatching, updating and replying run inside it.
	state, iterations := stateExtracting, 0
	for state != stateDone {
		if state == stateDeciding {
			switch {
			case t.remaining() <= 0:
				log.WarnContext(ctx, "turn budget exceeded", "iteration", iterations)
				t.reply = SLAFallbackReply
				state = stateReplying
			case iterations >= cfg.Turn.MaxIterations:
				log.WarnContext(ctx, "turn iterations exhausted", "iterations", iterations)
				t.reply = SLAFallbackReply
				state = stateReplying
			default:
				iterations++
			}
		} else if state == stateDispatching && t.remaining() <= 0 {
			log.WarnContext(ctx, "turn budget exceeded", "iteration", iterations)
			t.reply = SLAFallbackReply
			state = stateReplying
		}
		log.Log(ctx, config.LevelTrace, "turn step", "state", state.String(), "iteration", iterations, "remaining", t.remaining())
		switch state {
		case stateExtracting:
			state, err = e.extract(ctx, t)
		case stateDeciding:
			state = e.decideStep(turnCtx, ctx, t)
		case stateReplying:
			state, err = e.replyStep(ctx, t)
		case stateDispatching:
			state, err = e.dispatchStep(turnCtx, ctx, t)
		case stateUpdating:
			state, err = e.updateStep(ctx, t)
		}
		if err != nil {
			return TurnResult{}, err
		}
	}

	res := e.result(t.conv, t.reply, t.records, t.confidence, entered)
	log.InfoContext(ctx, "turn handled",
		"status", res.Status,
		"tool_calls", len(res.ToolCalls),
		"duration", time.Since(entered),
	)
	return res, nil
}

func (e Engine) result(c domain.Conversation, reply string, records []domain.ToolInvocationRecord, confidence *float64, entered time.Time) TurnResult {
	if records == nil {
		records = []domain.ToolInvocationRecord{}
	}
	return TurnResult{
		ConversationID: c.ID,
		Reply:          reply,
		ToolCalls:      records,
		Status:         c.Status,
		LatencyMS:      time.Since(entered).Milliseconds(),
		Confidence:     confidence,
		Slots:          c.Slots.Clone(),
	}
}

func (e Engine) extract(ctx context.Context, t *turn) (turnState, error) {
	t.conv.Slots = slots.Extract(t.message, t.conv.Slots)
	conv, err := e.Store.SaveConversation(ctx, t.conv)
	if err != nil {
		return stateDone, fmt.Errorf("save slots: %w", err)
	}
	t.conv = conv
	if t.userMsg, err = e.Store.AppendMessage(ctx, t.conv.ID, domain.RoleUser, t.message); err != nil {
		return stateDone, fmt.Errorf("append user message: %w", err)
	}
	return stateDeciding, nil
}

type decision struct {
	action policy.Action
	err    error
}

// decideStep races the policy against min(policy timeout, remaining). A
// policy that overruns is abandoned; its eventual answer is discarded.
func (e Engine) decideStep(turnCtx, ctx context.Context, t *turn) turnState {
	history, err := e.Store.LoadHistory(ctx, t.conv.ID)
	if err != nil {
		e.logger().ErrorContext(ctx, "load history", "conversation_id", t.conv.ID, "error", err)
		t.reply = PolicyErrorReply
		return stateReplying
	}
	budget := min(e.cfg().Turn.PolicyTimeout, t.remaining())
	policyCtx, cancel := context.WithTimeout(turnCtx, budget)
	defer cancel()

	done := make(chan decision, 1)
	snapshot := t.conv.Slots.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- decision{err: fmt.Errorf("policy panicked: %v", r)}
			}
		}()
		a, err := e.Policy.Decide(policyCtx, history, snapshot)
		done <- decision{action: a, err: err}
	}()

	var d decision
	select {
	case d = <-done:
	case <-policyCtx.Done():
		d = decision{err: policyCtx.Err()}
	}
	if d.err != nil {
		if errors.Is(d.err, context.DeadlineExceeded) {
			e.logger().WarnContext(ctx, "policy timed out", "conversation_id", t.conv.ID, "budget", budget)
			t.reply = SLAFallbackReply
		} else {
			e.logger().ErrorContext(ctx, "policy failed", "conversation_id", t.conv.ID, "error", d.err)
			t.reply = PolicyErrorReply
		}
		return stateReplying
	}

	t.action = d.action
	confidence := d.action.Confidence
	t.confidence = &confidence
	e.logger().DebugContext(ctx, "policy decided",
		"conversation_id", t.conv.ID,
		"kind", d.action.Kind,
		"tool", d.action.Tool,
		"source", d.action.Source,
		"rule", d.action.Rule,
		"confidence", confidence,
	)
	switch d.action.Kind {
	case policy.KindReply:
		t.reply = d.action.Text
		return stateReplying
	case policy.KindTool:
		return stateDispatching
	default:
		t.reply = PolicyErrorReply
		return stateReplying
	}
}

func (e Engine) replyStep(ctx context.Context, t *turn) (turnState, error) {
	if _, err := e.Store.AppendMessage(ctx, t.conv.ID, domain.RoleAssistant, t.reply); err != nil {
		return stateDone, fmt.Errorf("append assistant message: %w", err)
	}
	return stateDone, nil
}

func (e Engine) dispatchStep(turnCtx, ctx context.Context, t *turn) (turnState, error) {
	msgID := t.userMsg.ID
	t.outcome = e.Tools.Dispatch(turnCtx, tools.Call{
		ConversationID: t.conv.ID,
		MessageID:      &msgID,
		Tool:           t.action.Tool,
		Params:         t.action.Params,
	}, t.remaining())
	t.records = append(t.records, t.outcome.Record)

	if !t.outcome.OK() {
		t.reply = failureReply(t.action.Tool, t.outcome.Status)
		return stateReplying, nil
	}
	payload, err := json.Marshal(map[string]any{"tool_name": t.action.Tool, "result": t.outcome.Output})
	if err != nil {
		return stateDone, fmt.Errorf("encode tool message: %w", err)
	}
	if _, err := e.Store.AppendMessage(ctx, t.conv.ID, domain.RoleTool, string(payload)); err != nil {
		return stateDone, fmt.Errorf("append tool message: %w", err)
	}
	return stateUpdating, nil
}

func (e Engine) updateStep(ctx context.Context, t *turn) (turnState, error) {
	tool, out := t.action.Tool, t.outcome.Output
	if tool == domain.ToolHandoffToHuman {
		reason, _ := out["reason"].(string)
		conv, err := e.Store.TransitionStatus(ctx, t.conv.ID, domain.StatusHandoff, events.ConversationHandoff, events.SystemActor, events.EventPayload{"reason": reason})
		if err != nil {
			t.reply = ToolFailureReply
			if _, replyErr := e.replyStep(ctx, t); replyErr != nil {
				return stateDone, errors.Join(fmt.Errorf("handoff: %w", err), replyErr)
			}
			return stateDone, fmt.Errorf("handoff: %w", err)
		}
		t.conv = conv
		t.reply = HandoffStartedReply
		return stateReplying, nil
	}

	changed := false
	for _, key := range []string{domain.SlotAvailableSlots, domain.SlotConfirmationID, domain.SlotTicketID} {
		if v, ok := out[key]; ok {
			t.conv.Slots[key] = v
			changed = true
		}
	}
	if changed {
		conv, err := e.Store.SaveConversation(ctx, t.conv)
		if err != nil {
			return stateDone, fmt.Errorf("save tool results: %w", err)
		}
		t.conv = conv
	}
	if t.action.Continue {
		return stateDeciding, nil
	}
	t.reply = successReply(tool, t.action.Params, out)
	return stateReplying, nil
}

func failureReply(tool, status string) string {
	if tool == domain.ToolCheckAvailability && (status == domain.ToolTimeout || status == domain.ToolCircuitOpen) {
		return CalendarFallbackReply
	}
	return ToolFailureReply
}

func successReply(tool string, params, out map[string]any) string {
	switch tool {
	case domain.ToolCheckAvailability:
		date := stringOr(out["date"], stringOr(params["date"], "that day"))
		return fmt.Sprintf("I found availability for %s: %s.", date, joinAny(out[domain.SlotAvailableSlots]))
	case domain.ToolBookAppointment:
		details, _ := out["details"].(map[string]any)
		if details == nil {
			details = params
		}
		return fmt.Sprintf("Booked successfully for %s at %s (%s). Confirmation ID: %s.",
			stringOr(details["date"], ""), stringOr(details["time"], ""), stringOr(details["email"], ""),
			stringOr(out[domain.SlotConfirmationID], ""))
	case domain.ToolCreateTicket:
		return fmt.Sprintf("I created ticket %s for your issue.", stringOr(out[domain.SlotTicketID], ""))
	}
	return "Done."
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func joinAny(v any) string {
	switch list := v.(type) {
	case []string:
		return strings.Join(list, ", ")
	case []any:
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
