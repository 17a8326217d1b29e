package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/domain"
)

func userTurn(content string) []domain.Message {
	return []domain.Message{
		{Role: domain.RoleAssistant, Content: GreetingReply, OrderIndex: 0},
		{Role: domain.RoleUser, Content: content, OrderIndex: 1},
	}
}

func TestConfidence(t *testing.T) {
	cases := map[string]float64{
		"":                        0.1,
		"??":                      0.1,
		"  !!! ":                  0.1,
		"ok":                      0.25,
		"book me in":              0.9,
		"need a HUMAN":            0.9,
		"what are your hours":     0.55,
		"open a ticket please":    0.9,
		"check availability now":  0.9,
		"tell me something nice.": 0.55,
	}
	for in, want := range cases {
		assert.InDelta(t, want, Confidence(in), 1e-9, "input %q", in)
	}
}

func TestRuleTable(t *testing.T) {
	p := NewRuleBased(DefaultLowConfidence)
	ctx := context.Background()

	cases := []struct {
		name     string
		history  []domain.Message
		slots    domain.Slots
		wantRule string
		wantKind Kind
		wantTool string
		wantText string
	}{
		{name: "empty history greets", history: nil, wantRule: "greeting", wantKind: KindReply, wantText: GreetingReply},
		{name: "hostile beats human", history: userTurn("you idiot, get me a human"), wantRule: "hostile", wantKind: KindTool, wantTool: domain.ToolHandoffToHuman},
		{name: "human request", history: userTurn("let me talk to an operator"), wantRule: "human_request", wantKind: KindTool, wantTool: domain.ToolHandoffToHuman},
		{name: "punctuation is low confidence", history: userTurn("??"), wantRule: "low_confidence", wantKind: KindTool, wantTool: domain.ToolHandoffToHuman},
		{name: "ticket", history: userTurn("I have a problem with my invoice"), wantRule: "ticket", wantKind: KindTool, wantTool: domain.ToolCreateTicket},
		{name: "availability", history: userTurn("show me availability"), wantRule: "availability", wantKind: KindTool, wantTool: domain.ToolCheckAvailability},
		{name: "booking asks date", history: userTurn("I want to book an appointment"), wantRule: "booking", wantKind: KindReply, wantText: AskDateReply},
		{name: "booking asks time", history: userTurn("book 2026-03-01"), slots: domain.Slots{domain.SlotDate: "2026-03-01"}, wantRule: "booking", wantKind: KindReply, wantText: AskTimeReply},
		{name: "booking asks email", history: userTurn("book at 10:00"), slots: domain.Slots{domain.SlotDate: "2026-03-01", domain.SlotTime: "10:00"}, wantRule: "booking", wantKind: KindReply, wantText: AskEmailReply},
		{name: "intent carries booking", history: userTurn("my email is a@b.co"), slots: domain.Slots{domain.SlotIntent: "booking", domain.SlotDate: "tomorrow"}, wantRule: "booking", wantKind: KindReply, wantText: AskTimeReply},
		{name: "capabilities", history: userTurn("what can you do for me"), wantRule: "capabilities", wantKind: KindReply, wantText: CapabilitiesReply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := p.Decide(ctx, tc.history, tc.slots)
			require.NoError(t, err)
			assert.Equal(t, tc.wantRule, a.Rule)
			assert.Equal(t, SourceRules, a.Source)
			assert.Equal(t, tc.wantKind, a.Kind)
			if tc.wantTool != "" {
				assert.Equal(t, tc.wantTool, a.Tool)
			}
			if tc.wantText != "" {
				assert.Equal(t, tc.wantText, a.Text)
			}
		})
	}
}

func TestBookingCompleteIssuesTool(t *testing.T) {
	p := NewRuleBased(0)
	a, err := p.Decide(context.Background(), userTurn("please book it, a@b.co"), domain.Slots{
		domain.SlotDate:  "2026-03-01",
		domain.SlotTime:  "10:00",
		domain.SlotEmail: "a@b.co",
	})
	require.NoError(t, err)
	require.Equal(t, KindTool, a.Kind)
	assert.Equal(t, domain.ToolBookAppointment, a.Tool)
	assert.Equal(t, map[string]any{"date": "2026-03-01", "time": "10:00", "email": "a@b.co"}, a.Params)
}

func TestHandoffReasons(t *testing.T) {
	p := NewRuleBased(DefaultLowConfidence)
	ctx := context.Background()

	a, err := p.Decide(ctx, userTurn("you are useless"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Hostile input detected", a.Params["reason"])
	assert.InDelta(t, 0.2, a.Confidence, 1e-9)

	a, err = p.Decide(ctx, userTurn("??"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Low confidence (0.10)", a.Params["reason"])
	assert.InDelta(t, 0.1, a.Confidence, 1e-9)
}

func TestAvailabilityDefaultsToTomorrow(t *testing.T) {
	p := NewRuleBased(DefaultLowConfidence)
	a, err := p.Decide(context.Background(), userTurn("any slots open?"), nil)
	require.NoError(t, err)
	assert.Equal(t, "tomorrow", a.Params["date"])

	a, err = p.Decide(context.Background(), userTurn("any slots open?"), domain.Slots{domain.SlotDate: "2026-05-04"})
	require.NoError(t, err)
	assert.Equal(t, "2026-05-04", a.Params["date"])
}

func TestTicketSummaryIsTruncated(t *testing.T) {
	long := "issue "
	for len(long) < 400 {
		long += "x"
	}
	p := NewRuleBased(DefaultLowConfidence)
	a, err := p.Decide(context.Background(), userTurn(long), nil)
	require.NoError(t, err)
	assert.Len(t, a.Params["issue_summary"], issueSummaryLimit)
}

func TestCustomRuleTable(t *testing.T) {
	p := NewRuleTable([]Rule{{
		Name:  "echo",
		Match: func(in Input) bool { return in.Latest != "" },
		Act:   func(in Input) Action { return Reply(in.Latest, 1) },
	}})
	a, err := p.Decide(context.Background(), userTurn("hello there"), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", a.Text)

	_, err = p.Decide(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Len(t, p.Rules(), 1)
}
