// Package tools declares the four backend actions a turn can invoke and the
// Gateway that dispatches them behind per-tool circuit breakers.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"concierge/internal/domain"
)

// Tool executes one validated call. Implementations must return promptly
// once ctx is done.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Schema lists the string fields a tool requires.
type Schema struct {
	Tool     string   `json:"tool"`
	Required []string `json:"required"`
}

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Schemas are the declared input shapes of the built-in tools.
var Schemas = map[string]Schema{
	domain.ToolCheckAvailability: {Tool: domain.ToolCheckAvailability, Required: []string{"date"}},
	domain.ToolBookAppointment:   {Tool: domain.ToolBookAppointment, Required: []string{"date", "time", "email"}},
	domain.ToolCreateTicket:      {Tool: domain.ToolCreateTicket, Required: []string{"issue_summary"}},
	domain.ToolHandoffToHuman:    {Tool: domain.ToolHandoffToHuman, Required: []string{"reason"}},
}

// ValidationError reports a call whose input does not match its schema.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", e.Tool, e.Field, e.Reason)
}

// Validate checks params against the tool's schema and returns only the
// declared fields.
func Validate(tool string, params map[string]any) (map[string]any, error) {
	schema, ok := Schemas[tool]
	if !ok {
		return nil, &ValidationError{Tool: tool, Reason: "unknown tool"}
	}
	clean := make(map[string]any, len(schema.Required))
	for _, field := range schema.Required {
		raw, ok := params[field]
		if !ok {
			return nil, &ValidationError{Tool: tool, Field: field, Reason: "is required"}
		}
		s, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Tool: tool, Field: field, Reason: "must be a string"}
		}
		if strings.TrimSpace(s) == "" {
			return nil, &ValidationError{Tool: tool, Field: field, Reason: "must not be empty"}
		}
		clean[field] = s
	}
	if email, ok := clean["email"].(string); ok && !emailShape.MatchString(email) {
		return nil, &ValidationError{Tool: tool, Field: "email", Reason: "is not a valid address"}
	}
	return clean, nil
}

// Names returns the declared tool names in sorted order.
func Names() []string {
	out := make([]string, 0, len(Schemas))
	for name := range Schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
