// Package policy decides the next step of a conversational turn: a reply to
// the user or a tool invocation.
package policy

import (
	"context"
	"unicode/utf8"

	"concierge/internal/domain"
)

type Kind string

const (
	KindReply Kind = "reply"
	KindTool  Kind = "tool"
)

// Decision sources.
const (
	SourceRules = "rules"
	SourceModel = "model"
)

// Action is the outcome of one policy evaluation. Confidence is advisory
// metadata surfaced to the caller.
type Action struct {
	Kind       Kind           `json:"kind"`
	Text       string         `json:"text,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source,omitempty"`
	Rule       string         `json:"rule,omitempty"`
	// Continue asks the engine to decide again once a successful tool
	// result is recorded instead of replying from that result.
	Continue   bool           `json:"continue,omitempty"`
}

func Reply(text string, confidence float64) Action {
	return Action{Kind: KindReply, Text: text, Confidence: confidence}
}

func ToolCall(tool string, params map[string]any, confidence float64) Action {
	if params == nil {
		params = map[string]any{}
	}
	return Action{Kind: KindTool, Tool: tool, Params: params, Confidence: confidence}
}

// Policy is the decision capability the engine depends on. history is
// ordered by order index and ends with the user message of the current turn.
type Policy interface {
	Decide(ctx context.Context, history []domain.Message, slots domain.Slots) (Action, error)
}

// latestByRole returns the content of the last message with role.
func latestByRole(history []domain.Message, role string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == role {
			return history[i].Content
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
