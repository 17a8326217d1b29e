package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"concierge/internal/breaker"
	"concierge/internal/config"
	"concierge/internal/db"
	"concierge/internal/domain"
	"concierge/internal/engine"
	"concierge/internal/events"
	"concierge/internal/lock"
	"concierge/internal/migrate"
	"concierge/internal/policy"
	"concierge/internal/repo"
	"concierge/internal/tools"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

type envOptions struct {
	policy policy.Policy
	tools  []tools.Tool
	config func(*config.Config)
}

func instantTools() []tools.Tool {
	return tools.Simulated(map[string]time.Duration{
		domain.ToolCheckAvailability: 0,
		domain.ToolBookAppointment:   0,
		domain.ToolCreateTicket:      0,
	})
}

func newTestEnv(t *testing.T, opts envOptions) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if opts.config != nil {
		opts.config(cfg)
	}
	if opts.policy == nil {
		opts.policy = policy.NewRuleBased(cfg.Turn.LowConfidenceThreshold)
	}
	if opts.tools == nil {
		opts.tools = instantTools()
	}
	store := repo.New(conn)
	gw := tools.NewGateway(tools.GatewayOptions{
		Tools:    opts.tools,
		Breakers: breaker.NewRegistry(breaker.WithThreshold(cfg.Breaker.FailureThreshold), breaker.WithCooldown(cfg.Breaker.Cooldown)),
		Timeout:  cfg.Tools.Timeout,
		Auditor:  store,
	})
	eng := engine.New(store, opts.policy, gw, lock.NewLocal(), cfg, nil)
	return testEnv{Engine: eng, Repo: store, Ctx: ctx}
}

func (env testEnv) newConversation(t *testing.T) domain.Conversation {
	t.Helper()
	c, err := env.Engine.CreateConversation(env.Ctx, "user-1", "tester")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func (env testEnv) turn(t *testing.T, id, msg string) engine.TurnResult {
	t.Helper()
	res, err := env.Engine.HandleTurn(env.Ctx, id, msg)
	if err != nil {
		t.Fatalf("turn %q: %v", msg, err)
	}
	return res
}

func assertGapless(t *testing.T, history []domain.Message) {
	t.Helper()
	for i, m := range history {
		if m.OrderIndex != i+1 {
			t.Fatalf("message %d has order_index %d", i, m.OrderIndex)
		}
	}
}

func TestBookingSequence(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)

	steps := []struct {
		msg  string
		want string
	}{
		{"I want to book an appointment", policy.AskDateReply},
		{"2026-03-01", policy.AskTimeReply},
		{"10:00", policy.AskEmailReply},
	}
	for _, s := range steps {
		res := env.turn(t, c.ID, s.msg)
		if res.Reply != s.want {
			t.Fatalf("after %q got %q, want %q", s.msg, res.Reply, s.want)
		}
		if len(res.ToolCalls) != 0 {
			t.Fatalf("slot gate should not call tools, got %d", len(res.ToolCalls))
		}
	}

	res := env.turn(t, c.ID, "a@b.co")
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != domain.ToolSuccess {
		t.Fatalf("expected one successful booking, got %+v", res.ToolCalls)
	}
	if !strings.HasPrefix(res.Reply, "Booked successfully for 2026-03-01 at 10:00 (a@b.co). Confirmation ID: APT-") {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	if res.Slots.String(domain.SlotConfirmationID) == "" {
		t.Fatalf("confirmation id not merged into slots: %+v", res.Slots)
	}
	if res.Confidence == nil {
		t.Fatalf("confidence missing")
	}

	history, err := env.Engine.History(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 9 {
		t.Fatalf("expected 9 messages, got %d", len(history))
	}
	assertGapless(t, history)
	if history[7].Role != domain.RoleTool || !strings.Contains(history[7].Content, `"tool_name":"book_appointment"`) {
		t.Fatalf("expected tool message before final reply, got %+v", history[7])
	}
	if history[0].ID == 0 || res.ToolCalls[0].MessageID == nil || *res.ToolCalls[0].MessageID != history[6].ID {
		t.Fatalf("tool record should reference the user message of the turn")
	}
}

func TestLowConfidenceHandsOffOnce(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)

	res := env.turn(t, c.ID, "??")
	if res.Status != domain.StatusHandoff || res.Reply != engine.HandoffStartedReply {
		t.Fatalf("expected handoff, got %+v", res)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ToolName != domain.ToolHandoffToHuman {
		t.Fatalf("expected one handoff record, got %+v", res.ToolCalls)
	}

	before, _ := env.Engine.History(env.Ctx, c.ID)
	res = env.turn(t, c.ID, "I want to book an appointment")
	if res.Reply != engine.HandoffActiveReply || len(res.ToolCalls) != 0 {
		t.Fatalf("handoff should be sticky, got %+v", res)
	}
	after, _ := env.Engine.History(env.Ctx, c.ID)
	if len(after) != len(before) {
		t.Fatalf("handoff turn must not append messages: %d -> %d", len(before), len(after))
	}
	records, err := env.Engine.ToolCalls(env.Ctx, c.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d (%v)", len(records), err)
	}

	evts, err := env.Engine.Events(env.Ctx, 10, c.ID, "conversation.handoff")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected handoff event, got %d (%v)", len(evts), err)
	}
}

func TestHostileInputHandsOff(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)
	res := env.turn(t, c.ID, "you are an idiot")
	if res.Status != domain.StatusHandoff {
		t.Fatalf("expected handoff, got %s", res.Status)
	}
	if res.Confidence == nil || *res.Confidence != 0.2 {
		t.Fatalf("expected confidence 0.2, got %v", res.Confidence)
	}
	if res.ToolCalls[0].Input["reason"] != "Hostile input detected" {
		t.Fatalf("unexpected reason %v", res.ToolCalls[0].Input)
	}
}

func TestBreakerOpenUsesCalendarFallback(t *testing.T) {
	down := tools.Func{ToolName: domain.ToolCheckAvailability, Fn: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("calendar unavailable")
	}}
	env := newTestEnv(t, envOptions{tools: []tools.Tool{down}})
	c := env.newConversation(t)

	want := []struct {
		status string
		reply  string
	}{
		{domain.ToolError, engine.ToolFailureReply},
		{domain.ToolError, engine.ToolFailureReply},
		{domain.ToolCircuitOpen, engine.CalendarFallbackReply},
	}
	for i, w := range want {
		res := env.turn(t, c.ID, "check availability please")
		if len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != w.status {
			t.Fatalf("turn %d: expected %s, got %+v", i, w.status, res.ToolCalls)
		}
		if res.Reply != w.reply {
			t.Fatalf("turn %d: reply %q", i, res.Reply)
		}
	}
	records, _ := env.Engine.ToolCalls(env.Ctx, c.ID)
	if len(records) != 3 {
		t.Fatalf("every attempt is audited, got %d", len(records))
	}
	if records[2].DurationMS != 0 {
		t.Fatalf("open circuit should not execute")
	}
}

type stallPolicy struct{}

func (stallPolicy) Decide(ctx context.Context, _ []domain.Message, _ domain.Slots) (policy.Action, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return policy.Reply("too late", 1), nil
}

func TestStalledPolicyHitsDeadline(t *testing.T) {
	env := newTestEnv(t, envOptions{
		policy: stallPolicy{},
		config: func(c *config.Config) { c.Turn.Deadline = 150 * time.Millisecond },
	})
	c := env.newConversation(t)

	start := time.Now()
	res := env.turn(t, c.ID, "what can you do for me")
	if res.Reply != engine.SLAFallbackReply {
		t.Fatalf("expected SLA fallback, got %q", res.Reply)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("turn took %s", elapsed)
	}
	if res.Confidence != nil {
		t.Fatalf("no decision was made, confidence should be absent")
	}
}

func TestStalledToolTimesOutWithinTurn(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stall := tools.Func{ToolName: domain.ToolCheckAvailability, Fn: func(context.Context, map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	}}
	env := newTestEnv(t, envOptions{
		tools: []tools.Tool{stall},
		config: func(c *config.Config) {
			c.Turn.Deadline = 300 * time.Millisecond
			c.Tools.Timeout = time.Second
		},
	})
	c := env.newConversation(t)

	start := time.Now()
	res := env.turn(t, c.ID, "check availability")
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("tool timeout should be bounded by the remaining turn budget, took %s", elapsed)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Status != domain.ToolTimeout {
		t.Fatalf("expected timeout record, got %+v", res.ToolCalls)
	}
	if res.Reply != engine.CalendarFallbackReply {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
}

type failingPolicy struct{}

func (failingPolicy) Decide(context.Context, []domain.Message, domain.Slots) (policy.Action, error) {
	return policy.Action{}, errors.New("planner exploded")
}

func TestPolicyErrorReply(t *testing.T) {
	env := newTestEnv(t, envOptions{policy: failingPolicy{}})
	c := env.newConversation(t)
	res := env.turn(t, c.ID, "hello there")
	if res.Reply != engine.PolicyErrorReply {
		t.Fatalf("got %q", res.Reply)
	}
}

func TestConcurrentTurnsKeepOrderGapless(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.HandleTurn(env.Ctx, c.ID, "what can you do for me"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("turn failed: %v", err)
	}
	history, err := env.Engine.History(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(history))
	}
	assertGapless(t, history)
	for i := 0; i < len(history); i += 2 {
		if history[i].Role != domain.RoleUser || history[i+1].Role != domain.RoleAssistant {
			t.Fatalf("turns interleaved at %d", i)
		}
	}
}

func TestBusyConversation(t *testing.T) {
	env := newTestEnv(t, envOptions{config: func(c *config.Config) { c.Turn.LockWait = 20 * time.Millisecond }})
	c := env.newConversation(t)
	unlock, err := env.Engine.Locks.Lock(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()
	if _, err := env.Engine.HandleTurn(env.Ctx, c.ID, "hello there"); !errors.Is(err, engine.ErrConversationBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestUnknownConversation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if _, err := env.Engine.HandleTurn(env.Ctx, "missing", "hi"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.History(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.Handoff(env.Ctx, "missing", "", "op"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOperatorHandoffAndReset(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)

	if _, err := env.Engine.ResetConversation(env.Ctx, c.ID, "op-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("reset of active conversation should fail, got %v", err)
	}

	h, err := env.Engine.Handoff(env.Ctx, c.ID, "", "op-1")
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if h.Status != domain.StatusHandoff || h.Reason != engine.DefaultHandoffReason {
		t.Fatalf("unexpected handoff result %+v", h)
	}
	history, _ := env.Engine.History(env.Ctx, c.ID)
	if len(history) != 1 || history[0].Content != engine.EmergencyHandoffReply {
		t.Fatalf("expected takeover notice, got %+v", history)
	}
	records, _ := env.Engine.ToolCalls(env.Ctx, c.ID)
	if len(records) != 1 || records[0].Status != domain.ToolSuccess || records[0].ToolName != domain.ToolHandoffToHuman {
		t.Fatalf("expected synthetic handoff record, got %+v", records)
	}

	conv, err := env.Engine.ResetConversation(env.Ctx, c.ID, "op-1")
	if err != nil || conv.Status != domain.StatusActive {
		t.Fatalf("reset: %v %+v", err, conv)
	}
	res := env.turn(t, c.ID, "what can you do for me")
	if res.Reply != policy.CapabilitiesReply {
		t.Fatalf("automation should resume, got %q", res.Reply)
	}

	evts, err := env.Engine.Events(env.Ctx, 10, c.ID, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{"conversation.created", "conversation.handoff", "conversation.reset"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}
}

func TestClosedConversationShortCircuits(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)
	if _, err := env.Engine.CloseConversation(env.Ctx, c.ID, "op-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.Engine.CloseConversation(env.Ctx, c.ID, "op-1"); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	res := env.turn(t, c.ID, "book an appointment")
	if res.Reply != engine.ClosedReply || res.Status != domain.StatusClosed {
		t.Fatalf("unexpected %+v", res)
	}
	if _, err := env.Engine.Handoff(env.Ctx, c.ID, "x", "op-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("handoff of closed conversation should fail, got %v", err)
	}
}

func TestTicketAndAvailabilityMergeSlots(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)

	res := env.turn(t, c.ID, "I have a problem with my invoice")
	if !strings.HasPrefix(res.Reply, "I created ticket TKT-") || res.Slots.String(domain.SlotTicketID) == "" {
		t.Fatalf("unexpected ticket turn %+v", res)
	}
	res = env.turn(t, c.ID, "show availability for 2026-04-02")
	if res.Reply != "I found availability for 2026-04-02: 09:00, 10:00, 14:00, 15:30." {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	if _, ok := res.Slots[domain.SlotAvailableSlots]; !ok {
		t.Fatalf("available slots not merged")
	}
	if res.Slots.String(domain.SlotTicketID) == "" {
		t.Fatalf("earlier slots must survive")
	}
}

func TestSingleIterationCompletesToolTurns(t *testing.T) {
	env := newTestEnv(t, envOptions{
		config: func(c *config.Config) { c.Turn.MaxIterations = 1 },
	})

	booking := env.newConversation(t)
	res := env.turn(t, booking.ID, "book an appointment 2026-02-12 10:00 a@b.com")
	if !strings.HasPrefix(res.Reply, "Booked successfully") {
		t.Fatalf("expected booking confirmation, got %q", res.Reply)
	}
	if id, _ := res.Slots[domain.SlotConfirmationID].(string); id == "" {
		t.Fatalf("confirmation id missing from slots %+v", res.Slots)
	}
	history, _ := env.Engine.History(env.Ctx, booking.ID)
	if last := history[len(history)-1]; last.Role != domain.RoleAssistant || last.Content != res.Reply {
		t.Fatalf("history should end with the confirmation, got %+v", last)
	}

	human := env.newConversation(t)
	res = env.turn(t, human.ID, "I want a human please")
	if res.Status != domain.StatusHandoff || res.Reply != engine.HandoffStartedReply {
		t.Fatalf("expected handoff, got status=%s reply=%q", res.Status, res.Reply)
	}
	conv, _ := env.Engine.GetConversation(env.Ctx, human.ID)
	if conv.Status != domain.StatusHandoff {
		t.Fatalf("stored status %s", conv.Status)
	}
}

// chainPolicy keeps asking for availability with Continue set until it has
// been consulted limit times, then replies.
type chainPolicy struct {
	limit int32
	calls atomic.Int32
}

func (p *chainPolicy) Decide(context.Context, []domain.Message, domain.Slots) (policy.Action, error) {
	if p.calls.Add(1) > p.limit {
		return policy.Reply("all checked", 0.9), nil
	}
	a := policy.ToolCall(domain.ToolCheckAvailability, map[string]any{"date": "2026-02-12"}, 0.9)
	a.Continue = true
	return a, nil
}

func TestChainedToolCallsReachReply(t *testing.T) {
	p := &chainPolicy{limit: 2}
	env := newTestEnv(t, envOptions{policy: p})
	c := env.newConversation(t)

	res := env.turn(t, c.ID, "check a few days")
	if res.Reply != "all checked" {
		t.Fatalf("got %q", res.Reply)
	}
	if len(res.ToolCalls) != 2 || p.calls.Load() != 3 {
		t.Fatalf("expected 2 tool calls over 3 decisions, got %d over %d", len(res.ToolCalls), p.calls.Load())
	}
	if _, ok := res.Slots[domain.SlotAvailableSlots]; !ok {
		t.Fatalf("availability not merged into slots %+v", res.Slots)
	}
}

func TestCyclingPolicyExhaustsIterations(t *testing.T) {
	p := &chainPolicy{limit: 100}
	env := newTestEnv(t, envOptions{
		policy: p,
		config: func(c *config.Config) { c.Turn.MaxIterations = 3 },
	})
	c := env.newConversation(t)

	res := env.turn(t, c.ID, "check everything")
	if res.Reply != engine.SLAFallbackReply {
		t.Fatalf("expected delay apology, got %q", res.Reply)
	}
	if len(res.ToolCalls) != 3 || p.calls.Load() != 3 {
		t.Fatalf("expected 3 iterations, got %d tool calls over %d decisions", len(res.ToolCalls), p.calls.Load())
	}
	if res.Status != domain.StatusActive {
		t.Fatalf("status %s", res.Status)
	}
	history, _ := env.Engine.History(env.Ctx, c.ID)
	assertGapless(t, history)
	if last := history[len(history)-1]; last.Content != engine.SLAFallbackReply {
		t.Fatalf("history should end with the apology, got %+v", last)
	}
}

type transitionFailStore struct {
	engine.Store
}

func (transitionFailStore) TransitionStatus(context.Context, string, string, string, string, events.EventPayload) (domain.Conversation, error) {
	return domain.Conversation{}, errors.New("disk full")
}

func TestHandoffTransitionFailureStillReplies(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.newConversation(t)
	eng := env.Engine
	eng.Store = transitionFailStore{Store: env.Repo}

	if _, err := eng.HandleTurn(env.Ctx, c.ID, "I want a human please"); err == nil {
		t.Fatalf("expected store error")
	}
	history, _ := env.Engine.History(env.Ctx, c.ID)
	if last := history[len(history)-1]; last.Role != domain.RoleAssistant || last.Content != engine.ToolFailureReply {
		t.Fatalf("turn should end with an assistant reply, got %+v", last)
	}
	conv, _ := env.Engine.GetConversation(env.Ctx, c.ID)
	if conv.Status != domain.StatusActive {
		t.Fatalf("status %s", conv.Status)
	}
}
