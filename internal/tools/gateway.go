package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"concierge/internal/breaker"
	"concierge/internal/domain"
)

const DefaultTimeout = time.Second

// Auditor persists one record per dispatch attempt.
type Auditor interface {
	AppendToolRecord(ctx context.Context, rec domain.ToolInvocationRecord) (domain.ToolInvocationRecord, error)
}

type Call struct {
	ConversationID string
	MessageID      *int64
	Tool           string
	Params         map[string]any
}

// Outcome is the classified result of a dispatch. Record is the audit row as
// stored (or as attempted when the audit write failed).
type Outcome struct {
	Record domain.ToolInvocationRecord
	Status string
	Output map[string]any
	Err    error
}

func (o Outcome) OK() bool { return o.Status == domain.ToolSuccess }

type GatewayOptions struct {
	Tools    []Tool
	Breakers *breaker.Registry
	Timeout  time.Duration
	Auditor  Auditor
	Logger   *slog.Logger
	Now      func() time.Time
}

// Gateway validates, guards and times out tool calls. It is safe for
// concurrent use across conversations.
type Gateway struct {
	tools    map[string]Tool
	breakers *breaker.Registry
	timeout  time.Duration
	audit    Auditor
	logger   *slog.Logger
	now      func() time.Time
}

func NewGateway(opts GatewayOptions) *Gateway {
	g := &Gateway{
		tools:    make(map[string]Tool, len(opts.Tools)),
		breakers: opts.Breakers,
		timeout:  opts.Timeout,
		audit:    opts.Auditor,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	for _, t := range opts.Tools {
		g.tools[t.Name()] = t
	}
	if g.breakers == nil {
		g.breakers = breaker.NewRegistry()
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

func (g *Gateway) Breakers() *breaker.Registry { return g.breakers }

type execResult struct {
	output map[string]any
	err    error
}

// Dispatch runs call with a timeout of min(per-tool timeout, remaining).
// It never returns an error: every failure is classified into the Outcome
// and audited exactly once.
func (g *Gateway) Dispatch(ctx context.Context, call Call, remaining time.Duration) Outcome {
	b := g.breakers.Breaker(call.Tool)
	if !b.AllowRequest() {
		return g.finish(ctx, call, call.Params, domain.ToolCircuitOpen, nil, errors.New("circuit open"), 0)
	}

	tool, ok := g.tools[call.Tool]
	if !ok {
		b.RecordFailure()
		return g.finish(ctx, call, call.Params, domain.ToolError, nil, fmt.Errorf("unknown tool %q", call.Tool), 0)
	}
	params, err := Validate(call.Tool, call.Params)
	if err != nil {
		b.RecordFailure()
		return g.finish(ctx, call, call.Params, domain.ToolError, nil, err, 0)
	}

	timeout := min(g.timeout, remaining)
	if timeout <= 0 {
		b.RecordFailure()
		return g.finish(ctx, call, params, domain.ToolTimeout, nil, context.DeadlineExceeded, 0)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := g.now()
	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Execute(execCtx, params)
		done <- execResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		elapsed := g.now().Sub(start)
		if res.err != nil {
			b.RecordFailure()
			status := domain.ToolError
			if errors.Is(res.err, context.DeadlineExceeded) {
				status = domain.ToolTimeout
			}
			return g.finish(ctx, call, params, status, nil, res.err, elapsed)
		}
		b.RecordSuccess()
		return g.finish(ctx, call, params, domain.ToolSuccess, res.output, nil, elapsed)
	case <-execCtx.Done():
		// The goroutine may still finish later; its result is dropped.
		b.RecordFailure()
		return g.finish(ctx, call, params, domain.ToolTimeout, nil, fmt.Errorf("timed out after %s", timeout), g.now().Sub(start))
	}
}

func (g *Gateway) finish(ctx context.Context, call Call, input map[string]any, status string, output map[string]any, cause error, elapsed time.Duration) Outcome {
	if input == nil {
		input = map[string]any{}
	}
	if output == nil {
		output = map[string]any{}
	}
	rec := domain.ToolInvocationRecord{
		ConversationID: call.ConversationID,
		MessageID:      call.MessageID,
		ToolName:       call.Tool,
		Input:          input,
		Output:         output,
		DurationMS:     elapsed.Milliseconds(),
		Status:         status,
	}
	if cause != nil {
		rec.ErrorDetail = cause.Error()
	}

	level := slog.LevelInfo
	if status != domain.ToolSuccess {
		level = slog.LevelWarn
	}
	g.logger.Log(ctx, level, "tool dispatched",
		"conversation_id", call.ConversationID,
		"tool", call.Tool,
		"status", status,
		"duration", elapsed,
	)

	if g.audit != nil {
		saved, err := g.audit.AppendToolRecord(context.WithoutCancel(ctx), rec)
		if err != nil {
			g.logger.ErrorContext(ctx, "audit tool invocation", "conversation_id", call.ConversationID, "tool", call.Tool, "error", err)
		} else {
			rec = saved
		}
	}
	return Outcome{Record: rec, Status: status, Output: output, Err: cause}
}
