package policy

import (
	"context"
	"log/slog"

	"concierge/internal/domain"
)

type fallback struct {
	primary   Policy
	secondary Policy
	logger    *slog.Logger
}

// WithFallback returns a Policy that uses primary and switches to secondary
// whenever primary fails. Expiry of ctx itself is returned unchanged since no
// policy can still answer in time.
func WithFallback(primary, secondary Policy, logger *slog.Logger) Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f fallback) Decide(ctx context.Context, history []domain.Message, s domain.Slots) (Action, error) {
	a, err := f.primary.Decide(ctx, history, s)
	if err == nil {
		return a, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Action{}, ctxErr
	}
	f.logger.WarnContext(ctx, "primary policy failed; using rule table", "error", err)
	return f.secondary.Decide(ctx, history, s)
}
