// Package slots extracts dialogue slots (email, date, time, intent) from a
// user message and merges them onto the slots gathered in earlier turns.
package slots

import (
	"regexp"
	"strings"

	"concierge/internal/domain"
)

// Intents recognised by the keyword table.
const (
	IntentBooking      = "booking"
	IntentAvailability = "availability"
	IntentTicket       = "ticket"
	IntentHandoff      = "handoff"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	datePattern  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	timePattern  = regexp.MustCompile(`\b(\d{1,2}:\d{2})\s?(am|pm)?\b`)
)

// IntentKeywords is evaluated in order; the first row with a matching
// keyword decides the intent.
var IntentKeywords = []struct {
	Intent   string
	Keywords []string
}{
	{IntentBooking, []string{"book", "appointment", "schedule"}},
	{IntentAvailability, []string{"availability", "check", "slot"}},
	{IntentTicket, []string{"issue", "ticket", "problem"}},
	{IntentHandoff, []string{"human", "operator", "agent"}},
}

// Extract returns prior merged with whatever message positively contains.
// prior is never modified and keys are never removed.
func Extract(message string, prior domain.Slots) domain.Slots {
	out := prior.Clone()
	lowered := strings.ToLower(message)

	if email := emailPattern.FindString(message); email != "" {
		out[domain.SlotEmail] = email
	}

	switch {
	case datePattern.MatchString(message):
		out[domain.SlotDate] = datePattern.FindString(message)
	case strings.Contains(lowered, "tomorrow"):
		out[domain.SlotDate] = "tomorrow"
	case strings.Contains(lowered, "today"):
		out[domain.SlotDate] = "today"
	}

	if m := timePattern.FindStringSubmatch(lowered); m != nil {
		out[domain.SlotTime] = m[1] + m[2]
	}

	if intent := detectIntent(lowered); intent != "" {
		out[domain.SlotIntent] = intent
	}
	return out
}

func detectIntent(lowered string) string {
	for _, row := range IntentKeywords {
		if containsAny(lowered, row.Keywords) {
			return row.Intent
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
