package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"concierge/internal/domain"
	"concierge/internal/slots"
)

const DefaultLowConfidence = 0.45

// Replies produced by the rule table.
const (
	GreetingReply     = "Hello, how can I help?"
	AskDateReply      = "What date should I book the appointment for?"
	AskTimeReply      = "What time works best for you?"
	AskEmailReply     = "Please share your email so I can finalize the booking."
	CapabilitiesReply = "I can check availability, book an appointment, create a ticket, or connect you to a human."
)

const issueSummaryLimit = 300

var (
	HostileKeywords      = []string{"idiot", "stupid", "hate you", "useless", "kill"}
	HumanRequestKeywords = []string{"human", "operator"}
	RoutingKeywords      = []string{"book", "appointment", "availability", "ticket", "human"}
	TicketKeywords       = []string{"ticket", "issue", "problem"}
	BookingKeywords      = []string{"book", "appointment"}

	whitespace      = regexp.MustCompile(`\s+`)
	punctuationOnly = regexp.MustCompile(`^[^a-z0-9]+$`)
)

// Input is what a rule sees: the history, current slots and the latest user
// message with its confidence score.
type Input struct {
	History []domain.Message
	Slots   domain.Slots
	Latest  string
	Lowered string
	Score   float64
}

// Rule is one row of the routing table.
type Rule struct {
	Name  string
	Match func(Input) bool
	Act   func(Input) Action
}

// RuleBased evaluates its rules in order and returns the first match.
type RuleBased struct {
	rules []Rule
}

// NewRuleBased builds the default routing table. Messages scoring below
// lowConfidence are handed to a human.
func NewRuleBased(lowConfidence float64) *RuleBased {
	if lowConfidence <= 0 {
		lowConfidence = DefaultLowConfidence
	}
	return &RuleBased{rules: DefaultRules(lowConfidence)}
}

// NewRuleTable builds a policy over a caller-supplied table. The last rule
// should match unconditionally.
func NewRuleTable(rules []Rule) *RuleBased {
	return &RuleBased{rules: rules}
}

func (p *RuleBased) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

func (p *RuleBased) Decide(_ context.Context, history []domain.Message, s domain.Slots) (Action, error) {
	latest := latestByRole(history, domain.RoleUser)
	lowered := strings.ToLower(latest)
	in := Input{
		History: history,
		Slots:   s,
		Latest:  latest,
		Lowered: lowered,
		Score:   Confidence(latest),
	}
	if in.Slots == nil {
		in.Slots = domain.Slots{}
	}
	for _, r := range p.rules {
		if r.Match(in) {
			a := r.Act(in)
			a.Source = SourceRules
			a.Rule = r.Name
			return a, nil
		}
	}
	return Action{}, fmt.Errorf("no rule matched")
}

// Confidence scores how well the rule table can interpret content.
func Confidence(content string) float64 {
	normalized := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(content)), " ")
	switch {
	case normalized == "", punctuationOnly.MatchString(normalized):
		return 0.1
	case utf8.RuneCountInString(normalized) < 4:
		return 0.25
	case containsAny(normalized, RoutingKeywords):
		return 0.9
	default:
		return 0.55
	}
}

// DefaultRules returns the routing table in evaluation order.
func DefaultRules(lowConfidence float64) []Rule {
	return []Rule{
		{
			Name:  "greeting",
			Match: func(in Input) bool { return len(in.History) == 0 },
			Act:   func(Input) Action { return Reply(GreetingReply, 1.0) },
		},
		{
			Name:  "hostile",
			Match: func(in Input) bool { return containsAny(in.Lowered, HostileKeywords) },
			Act: func(Input) Action {
				return ToolCall(domain.ToolHandoffToHuman, map[string]any{"reason": "Hostile input detected"}, 0.2)
			},
		},
		{
			Name:  "human_request",
			Match: func(in Input) bool { return containsAny(in.Lowered, HumanRequestKeywords) },
			Act: func(Input) Action {
				return ToolCall(domain.ToolHandoffToHuman, map[string]any{"reason": "User requested human"}, 0.95)
			},
		},
		{
			Name:  "low_confidence",
			Match: func(in Input) bool { return in.Score < lowConfidence },
			Act: func(in Input) Action {
				reason := fmt.Sprintf("Low confidence (%.2f)", in.Score)
				return ToolCall(domain.ToolHandoffToHuman, map[string]any{"reason": reason}, in.Score)
			},
		},
		{
			Name:  "ticket",
			Match: func(in Input) bool { return containsAny(in.Lowered, TicketKeywords) },
			Act: func(in Input) Action {
				return ToolCall(domain.ToolCreateTicket, map[string]any{"issue_summary": truncate(in.Latest, issueSummaryLimit)}, in.Score)
			},
		},
		{
			Name: "availability",
			Match: func(in Input) bool {
				return strings.Contains(in.Lowered, "availability") ||
					(strings.Contains(in.Lowered, "check") && strings.Contains(in.Lowered, "calendar")) ||
					strings.Contains(in.Lowered, "slots")
			},
			Act: func(in Input) Action {
				date := in.Slots.String(domain.SlotDate)
				if date == "" {
					date = "tomorrow"
				}
				return ToolCall(domain.ToolCheckAvailability, map[string]any{"date": date}, in.Score)
			},
		},
		{
			Name: "booking",
			Match: func(in Input) bool {
				return containsAny(in.Lowered, BookingKeywords) || in.Slots.String(domain.SlotIntent) == slots.IntentBooking
			},
			Act: bookingGate,
		},
		{
			Name:  "capabilities",
			Match: func(Input) bool { return true },
			Act:   func(in Input) Action { return Reply(CapabilitiesReply, in.Score) },
		},
	}
}

// bookingGate asks for date, time and email in that order and only issues
// the booking once all three are known.
func bookingGate(in Input) Action {
	date := in.Slots.String(domain.SlotDate)
	if date == "" {
		return Reply(AskDateReply, in.Score)
	}
	tm := in.Slots.String(domain.SlotTime)
	if tm == "" {
		return Reply(AskTimeReply, in.Score)
	}
	email := in.Slots.String(domain.SlotEmail)
	if email == "" {
		return Reply(AskEmailReply, in.Score)
	}
	return ToolCall(domain.ToolBookAppointment, map[string]any{
		"date":  date,
		"time":  tm,
		"email": email,
	}, in.Score)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
