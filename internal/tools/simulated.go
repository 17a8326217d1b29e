package tools

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"concierge/internal/domain"
)

// DefaultLatency is the simulated work time of each built-in tool.
var DefaultLatency = map[string]time.Duration{
	domain.ToolCheckAvailability: 200 * time.Millisecond,
	domain.ToolBookAppointment:   500 * time.Millisecond,
	domain.ToolCreateTicket:      300 * time.Millisecond,
	domain.ToolHandoffToHuman:    0,
}

// AvailableSlots is what check_availability reports for any date.
var AvailableSlots = []string{"09:00", "10:00", "14:00", "15:30"}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.Fn(ctx, params)
}

// Simulated returns the four built-in tools. latency overrides DefaultLatency
// per tool name.
func Simulated(latency map[string]time.Duration) []Tool {
	delay := func(name string) time.Duration {
		if d, ok := latency[name]; ok {
			return d
		}
		return DefaultLatency[name]
	}
	return []Tool{
		Func{ToolName: domain.ToolCheckAvailability, Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
			if err := sleep(ctx, delay(domain.ToolCheckAvailability)); err != nil {
				return nil, err
			}
			slots := make([]any, len(AvailableSlots))
			for i, s := range AvailableSlots {
				slots[i] = s
			}
			return map[string]any{"date": p["date"], domain.SlotAvailableSlots: slots}, nil
		}},
		Func{ToolName: domain.ToolBookAppointment, Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
			if err := sleep(ctx, delay(domain.ToolBookAppointment)); err != nil {
				return nil, err
			}
			return map[string]any{
				domain.SlotConfirmationID: "APT-" + shortID(),
				"details": map[string]any{
					"date":  p["date"],
					"time":  p["time"],
					"email": p["email"],
				},
			}, nil
		}},
		Func{ToolName: domain.ToolCreateTicket, Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
			if err := sleep(ctx, delay(domain.ToolCreateTicket)); err != nil {
				return nil, err
			}
			return map[string]any{
				domain.SlotTicketID: "TKT-" + shortID(),
				"issue_summary":     p["issue_summary"],
			}, nil
		}},
		Func{ToolName: domain.ToolHandoffToHuman, Fn: func(ctx context.Context, p map[string]any) (map[string]any, error) {
			if err := sleep(ctx, delay(domain.ToolHandoffToHuman)); err != nil {
				return nil, err
			}
			return map[string]any{"status": "handoff_initiated", "reason": p["reason"]}, nil
		}},
	}
}

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
