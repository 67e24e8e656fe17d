package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/telemetry"
	"github.com/nugget/aki/internal/tokens"
)

// Dispatcher defaults.
const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxOutputTokens = 50000
	DefaultMaxParallel     = 8
)

// AbortedContent is the result content for calls that were still
// running when the user stopped the turn.
const AbortedContent = `{"error":"Tool execution aborted by user"}`

// Config bounds one dispatch batch.
type Config struct {
	Timeout         time.Duration
	MaxOutputTokens int
	MaxParallel     int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	return c
}

// Dispatcher runs a batch of tool calls concurrently under one shared
// deadline and always produces exactly one result per call.
type Dispatcher struct {
	registry  *Registry
	estimator *tokens.Estimator
	cfg       Config
	logger    *slog.Logger
	inst      *telemetry.Instruments
}

// NewDispatcher creates a dispatcher. A nil logger or inst falls back
// to the default logger and no-op instruments.
func NewDispatcher(reg *Registry, est *tokens.Estimator, cfg Config, logger *slog.Logger, inst *telemetry.Instruments) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if inst == nil {
		inst = telemetry.Noop()
	}
	return &Dispatcher{
		registry:  reg,
		estimator: est,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		inst:      inst,
	}
}

// Timeout returns the batch deadline in effect.
func (d *Dispatcher) Timeout() time.Duration { return d.cfg.Timeout }

type outcome struct {
	index  int
	result llm.ToolResult
	// interrupted handlers gave up because the batch ended; their
	// calls are reported as pending.
	interrupted bool
}

// Dispatch executes calls and returns their results in call order.
// It never returns an error: handler failures, panics, unknown tools
// and the batch deadline all become error-status results. If ctx is
// cancelled before the batch finishes, pending calls are reported as
// aborted rather than timed out.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	ctx, span := d.inst.Tracer.Start(ctx, "tools.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("tools.batch_size", len(calls)))

	batchCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(d.cfg.MaxParallel))
	// Buffered so late goroutines never block after the join gives up.
	done := make(chan outcome, len(calls))

	for i, call := range calls {
		go func() {
			if err := sem.Acquire(batchCtx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			result, interrupted := d.run(batchCtx, call)
			done <- outcome{index: i, result: result, interrupted: interrupted}
		}()
	}

	results := make([]llm.ToolResult, len(calls))
	filled := make([]bool, len(calls))
	remaining := len(calls)

collect:
	for remaining > 0 {
		select {
		case o := <-done:
			if o.interrupted {
				continue
			}
			results[o.index] = o.result
			filled[o.index] = true
			remaining--
		case <-batchCtx.Done():
			break collect
		}
	}

	// Results that landed alongside the deadline still count.
drain:
	for remaining > 0 {
		select {
		case o := <-done:
			if o.interrupted {
				continue
			}
			results[o.index] = o.result
			filled[o.index] = true
			remaining--
		default:
			break drain
		}
	}

	if remaining > 0 {
		aborted := ctx.Err() != nil
		var pending []string
		for i, ok := range filled {
			if ok {
				continue
			}
			pending = append(pending, calls[i].ID)
			if aborted {
				results[i] = llm.ToolResult{
					ToolCallID: calls[i].ID,
					Name:       calls[i].Name,
					Content:    AbortedContent,
					Status:     llm.ToolStatusError,
				}
				continue
			}
			results[i] = errorResult(calls[i],
				fmt.Sprintf("Tool execution exceeded %s timeout", timeoutText(d.cfg.Timeout)))
		}
		if aborted {
			d.logger.Info("tool batch aborted", "pending", len(pending))
		} else {
			terr := &TimeoutError{Timeout: d.cfg.Timeout, Pending: pending}
			span.RecordError(terr)
			span.SetStatus(codes.Error, "timeout")
			d.logger.Warn("tool batch timed out", "error", terr)
		}
	}

	return results
}

// run executes a single call. Handler panics are recovered into an
// error result so one broken tool cannot take down the turn. interrupted
// reports a handler that failed only because ctx ended.
func (d *Dispatcher) run(ctx context.Context, call llm.ToolCall) (result llm.ToolResult, interrupted bool) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			err := &ExecutionError{ToolName: call.Name, CallID: call.ID, Err: fmt.Errorf("panic: %v", r)}
			d.logger.Warn("tool panicked", "error", err)
			result = errorResult(call, err.Error())
		}
		if result.IsError() {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("status", status),
		)
		d.inst.ToolExecutions.Add(ctx, 1, attrs)
		d.inst.ToolDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}()

	if call.Invalid != "" {
		d.logger.Warn("tool call has invalid arguments", "tool", call.Name, "call_id", call.ID, "error", call.Invalid)
		return errorResult(call, "invalid arguments: "+call.Invalid), false
	}

	tool := d.registry.Get(call.Name)
	if tool == nil || tool.Handler == nil {
		err := &ErrToolUnavailable{ToolName: call.Name}
		d.logger.Warn("tool call rejected", "call_id", call.ID, "error", err)
		return errorResult(call, err.Error()), false
	}

	args := NormalizeArgs(tool.Parameters, call.Args)
	if d.logger.Enabled(ctx, slog.LevelDebug) {
		raw, _ := json.Marshal(args)
		d.logger.Debug("executing tool", "tool", call.Name, "call_id", call.ID, "args", string(raw))
	}

	out, err := tool.Handler(ctx, args.Map())
	if err != nil {
		execErr := &ExecutionError{ToolName: call.Name, CallID: call.ID, Err: err}
		if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			d.logger.Debug("tool interrupted", "error", execErr)
			return errorResult(call, err.Error()), true
		}
		d.logger.Warn("tool failed", "error", execErr)
		return errorResult(call, err.Error()), false
	}

	content := d.truncate(out)
	d.logger.Log(ctx, llm.LevelTrace, "tool result",
		"tool", call.Name,
		"call_id", call.ID,
		"bytes", len(content),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
		Status:     llm.ToolStatusOK,
	}, false
}

func (d *Dispatcher) truncate(out string) string {
	kept, cut := d.estimator.Truncate(out, d.cfg.MaxOutputTokens)
	if !cut {
		return out
	}
	return kept + fmt.Sprintf("\n\n[TRUNCATED: Response exceeded %d tokens]", d.cfg.MaxOutputTokens)
}

// timeoutText renders whole-second timeouts as "N seconds" and anything
// finer as a duration.
func timeoutText(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

func errorResult(call llm.ToolCall, message string) llm.ToolResult {
	body, _ := json.Marshal(struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{"error", message})
	return llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    string(body),
		Status:     llm.ToolStatusError,
	}
}
