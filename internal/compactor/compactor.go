// Package compactor keeps a conversation under its token budget by
// replacing older history with a model-written summary.
package compactor

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nugget/aki/internal/gateway"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/prompts"
	"github.com/nugget/aki/internal/telemetry"
	"github.com/nugget/aki/internal/tokens"
)

// DefaultThreshold is the running token count that triggers compaction.
const DefaultThreshold = 150000

// Config controls compaction.
type Config struct {
	// Threshold is the token count at or above which a conversation is
	// compacted. It also bounds the history sent to the summarizer.
	Threshold int
}

// Summarizer produces the summary reply for a prepared history whose
// last message is the summary instruction.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.Message, llm.Usage, error)
}

// InvocationError reports that the summarization call failed. It ends
// the turn.
type InvocationError struct {
	Err error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("summarize conversation: %v", e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Input is the conversation to compact.
type Input struct {
	Messages []llm.Message
	Summary  string
	Tools    []llm.ToolSpec
}

// Result describes the compacted conversation.
type Result struct {
	// Summary replaces any previous summary.
	Summary string
	// Messages is the retained history: the human messages.
	Messages []llm.Message
	// Deleted holds the ids of every message removed from history.
	Deleted []string
	// TokenCount is the new running count: summary plus retained messages.
	TokenCount int
	Usage      llm.Usage
}

// Compactor summarizes and prunes conversation history.
type Compactor struct {
	summarizer Summarizer
	estimator  *tokens.Estimator
	config     Config
	logger     *slog.Logger
	inst       *telemetry.Instruments
}

// New creates a compactor.
func New(summarizer Summarizer, est *tokens.Estimator, config Config, logger *slog.Logger, inst *telemetry.Instruments) *Compactor {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	if inst == nil {
		inst = telemetry.Noop()
	}
	return &Compactor{
		summarizer: summarizer,
		estimator:  est,
		config:     config,
		logger:     logger.With("component", "compactor"),
		inst:       inst,
	}
}

// Threshold returns the compaction trigger.
func (c *Compactor) Threshold() int { return c.config.Threshold }

// NeedsCompaction reports whether count has reached the threshold.
func (c *Compactor) NeedsCompaction(count int) bool {
	return count >= c.config.Threshold
}

// Compact summarizes in.Messages and returns the pruned history. A
// failed summarization call is returned as *InvocationError and leaves
// the input untouched.
func (c *Compactor) Compact(ctx context.Context, in Input) (*Result, error) {
	ctx, span := c.inst.Tracer.Start(ctx, "compactor.compact")
	defer span.End()
	span.SetAttributes(attribute.Int("compactor.messages", len(in.Messages)))

	cleaned, err := RemoveUnmatched(in.Messages)
	if err != nil {
		c.logger.Info("dropped messages before summarizing", "reason", err)
	}

	instruction := llm.NewHumanMessage(prompts.SummaryPrompt(in.Summary))
	budget := c.config.Threshold - c.estimator.Message(instruction)
	history := Trim(c.estimator, cleaned, budget, false)
	history = append(history, instruction)

	c.logger.Info("summarizing conversation",
		"messages", len(in.Messages),
		"sent", len(history),
		"extend", in.Summary != "",
	)

	reply, usage, err := c.summarizer.Summarize(ctx, history, in.Tools)
	if err != nil {
		ierr := &InvocationError{Err: err}
		span.RecordError(ierr)
		span.SetStatus(codes.Error, "summarization failed")
		return nil, ierr
	}
	c.inst.Compactions.Add(ctx, 1)

	res := &Result{Summary: reply.Text(), Usage: usage}
	for _, m := range in.Messages {
		if m.Role == llm.RoleHuman {
			res.Messages = append(res.Messages, m)
		} else {
			res.Deleted = append(res.Deleted, m.ID)
		}
	}
	c.fitBudget(res)

	c.logger.Debug("conversation compacted",
		"retained", len(res.Messages),
		"deleted", len(res.Deleted),
		"tokens", res.TokenCount,
		"summary_len", len(res.Summary),
	)
	return res, nil
}

// fitBudget makes the retained state smaller than the threshold. The
// oldest human messages go first; the summary is cut last.
func (c *Compactor) fitBudget(res *Result) {
	count := func() int {
		return c.estimator.Text(res.Summary) + c.estimator.Messages(res.Messages)
	}
	res.TokenCount = count()
	for res.TokenCount >= c.config.Threshold && len(res.Messages) > 0 {
		res.Deleted = append(res.Deleted, res.Messages[0].ID)
		res.Messages = res.Messages[1:]
		res.TokenCount = count()
	}
	if res.TokenCount >= c.config.Threshold {
		c.logger.Warn("summary exceeds token threshold; truncating", "tokens", res.TokenCount)
		res.Summary, _ = c.estimator.Truncate(res.Summary, c.config.Threshold-1)
		res.TokenCount = count()
	}
}

// GatewaySummarizer summarizes through a model gateway.
type GatewaySummarizer struct {
	Gateway *gateway.Gateway
	Options gateway.Options
}

// Summarize implements Summarizer.
func (s *GatewaySummarizer) Summarize(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.Message, llm.Usage, error) {
	h, err := s.Gateway.Handle(s.Options)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}
	out, err := s.Gateway.Generate(ctx, h, gateway.Request{
		Messages: gateway.FilterMessages(messages, h.ModelID()),
		Tools:    tools,
	}, nil)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}
	return out.Message, out.Usage, nil
}
