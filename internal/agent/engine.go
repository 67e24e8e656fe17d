// Package agent runs conversation turns: the graph that alternates model
// calls with tool batches, compacts history when it grows too large,
// and recovers from failed model calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/aki/internal/compactor"
	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/gateway"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/prompts"
	"github.com/nugget/aki/internal/telemetry"
	"github.com/nugget/aki/internal/tokens"
	"github.com/nugget/aki/internal/tools"
	"github.com/nugget/aki/internal/usage"
)

// DefaultMaxIterations bounds the model calls of one turn.
const DefaultMaxIterations = 50

// Usage roles recorded per model call.
const (
	RoleChat     = "chat"
	RoleRecovery = "recovery"
	RoleSummary  = "summary"
)

// errStopped marks a model call interrupted by the caller.
var errStopped = errors.New("turn stopped")

// ErrInvalidInput is returned by Run when the input is not a valid
// human message. The state is left untouched.
var ErrInvalidInput = errors.New("invalid turn input")

// UsageRecorder persists per-call token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds engine settings.
type Config struct {
	// SystemPrompt is the base prompt. Empty uses the built-in persona.
	SystemPrompt string
	// Rules, when set, is sent as the first human message of every call.
	Rules         string
	MaxIterations int
	// SummaryModel attributes compaction usage. Empty means the
	// conversation's own model.
	SummaryModel string
}

// Deps are the collaborators an engine drives.
type Deps struct {
	Gateway    *gateway.Gateway
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Compactor  *compactor.Compactor
	Estimator  *tokens.Estimator
	// Usage may be nil.
	Usage UsageRecorder
	// Bus may be nil.
	Bus         *events.Bus
	Logger      *slog.Logger
	Instruments *telemetry.Instruments
}

// Engine runs turns. One engine serves every conversation; a given
// conversation must not run two turns at once.
type Engine struct {
	gateway    *gateway.Gateway
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	compactor  *compactor.Compactor
	estimator  *tokens.Estimator
	usage      UsageRecorder
	bus        *events.Bus
	cfg        Config
	logger     *slog.Logger
	inst       *telemetry.Instruments
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.BaseSystemPrompt("")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := deps.Instruments
	if inst == nil {
		inst = telemetry.Noop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = tools.NewRegistry()
	}
	disp := deps.Dispatcher
	if disp == nil {
		disp = tools.NewDispatcher(reg, deps.Estimator, tools.Config{}, logger, inst)
	}
	return &Engine{
		gateway:    deps.Gateway,
		registry:   reg,
		dispatcher: disp,
		compactor:  deps.Compactor,
		estimator:  deps.Estimator,
		usage:      deps.Usage,
		bus:        deps.Bus,
		cfg:        cfg,
		logger:     logger.With("component", "agent"),
		inst:       inst,
	}
}

// Result describes a finished turn.
type Result struct {
	TurnID string
	// Reply is the last AI message of the turn.
	Reply      llm.Message
	Usage      llm.Usage
	Iterations int
	Stopped    bool
	Summarized bool
	// Recovered reports that the fallback path produced a reply.
	Recovered bool
}

// Run executes one turn for input against st and returns when the graph
// reaches End. Events are written to sink (which may be nil) in program
// order. When ctx is cancelled the turn is stopped cleanly: pending tool
// calls get aborted results and a closing AI message is appended, and
// Run returns a Result with Stopped set rather than an error.
//
// Errors are returned only when the turn cannot make progress: an
// unusable model configuration, a model that fails even on the
// recovery path, or a failed compaction.
func (e *Engine) Run(ctx context.Context, st *State, input llm.Message, sink events.Sink) (*Result, error) {
	if input.Role != llm.RoleHuman {
		return nil, fmt.Errorf("%w: role %q, want human", ErrInvalidInput, input.Role)
	}
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if input.ID == "" {
		input.ID = llm.NewID()
	}

	t := &runner{
		engine: e,
		state:  st,
		result: &Result{TurnID: llm.NewID()},
	}
	t.events = events.NewSequencer(st.ID, t.result.TurnID, sink, e.bus)
	t.logger = e.logger.With("conversation", st.ID, "turn", t.result.TurnID)

	ctx, span := e.inst.Tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("conversation.id", st.ID),
		attribute.String("turn.id", t.result.TurnID),
	))
	defer span.End()

	start := time.Now()
	err := t.run(ctx, input)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
	case t.result.Stopped:
		status = "stopped"
	}
	e.inst.Turns.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("status", status)))
	span.SetAttributes(attribute.Int("turn.iterations", t.result.Iterations))

	t.logger.Info("turn finished",
		"status", status,
		"iterations", t.result.Iterations,
		"messages", len(st.Messages),
		"tokens", st.TokenCount,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	t.finish(err)
	if err != nil {
		return nil, err
	}
	return t.result, nil
}

// runner is the mutable bookkeeping of one Run.
type runner struct {
	engine *Engine
	state  *State
	result *Result
	events *events.Sequencer
	logger *slog.Logger

	// partial is the text streamed for the in-flight AI message.
	partial strings.Builder
}

func (t *runner) run(ctx context.Context, input llm.Message) error {
	e, st := t.engine, t.state

	h, err := e.gateway.Handle(st.Model.Options())
	if err != nil {
		return fmt.Errorf("resolve model: %w", err)
	}
	st.Messages = append(st.Messages, input)

	step := StepChat
	for step != StepEnd {
		if ctx.Err() != nil {
			t.stop()
			return nil
		}
		t.logger.Log(ctx, llm.LevelTrace, "graph step", "step", step.String(), "tokens", st.TokenCount)

		switch step {
		case StepChat:
			if t.result.Iterations >= e.cfg.MaxIterations {
				t.logger.Warn("iteration limit reached", "limit", e.cfg.MaxIterations)
				t.appendAI(prompts.IterationLimitMessage(e.cfg.MaxIterations))
				step = StepEnd
				continue
			}
			t.result.Iterations++
			reply, err := t.chat(ctx, h)
			if errors.Is(err, errStopped) {
				t.stop()
				return nil
			}
			if err != nil {
				return err
			}
			step = Next(reply, st.TokenCount, e.compactor.Threshold())

		case StepTools:
			t.runTools(ctx)
			step = StepChat

		case StepSummarize:
			err := t.summarize(ctx, h)
			if err != nil && ctx.Err() != nil {
				t.stop()
				return nil
			}
			if err != nil {
				return err
			}
			step = StepEnd
		}
	}
	return nil
}

// chat performs the Chat step and appends the reply. A failed call
// goes down the recovery path instead of failing the turn.
func (t *runner) chat(ctx context.Context, h *gateway.Handle) (llm.Message, error) {
	e, st := t.engine, t.state

	t.partial.Reset()
	out, err := e.gateway.Generate(ctx, h, gateway.Request{
		System:   e.systemPrompt(ctx, st),
		Messages: e.prepare(st.Messages, h),
		Tools:    e.registry.Specs(),
	}, t.stream)
	role := RoleChat
	switch {
	case err == nil:
		st.Messages = append(st.Messages, out.Message)
	case ctx.Err() != nil:
		return llm.Message{}, errStopped
	default:
		t.logger.Warn("model call failed; using recovery path", "error", err)
		out, err = t.recover(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return llm.Message{}, errStopped
			}
			return llm.Message{}, fmt.Errorf("recovery: %w", err)
		}
		role = RoleRecovery
		t.result.Recovered = true
	}

	st.TokenCount = max(st.TokenCount, out.Usage.Total())
	t.account(ctx, h.ModelID(), role, out.Usage)
	t.partial.Reset()
	return out.Message, nil
}

// recover re-invokes the model on a repaired and trimmed history under
// the recovery prompt. On success every non-human message is dropped
// from the conversation and the reply is appended.
func (t *runner) recover(ctx context.Context, h *gateway.Handle) (*gateway.Outcome, error) {
	e, st := t.engine, t.state

	cleaned, err := compactor.RemoveUnmatched(st.Messages)
	if err != nil {
		t.logger.Info("dropped messages before recovery", "reason", err)
	}
	history := compactor.Trim(e.estimator, gateway.FilterMessages(cleaned, h.ModelID()), e.compactor.Threshold(), true)
	history = e.withRules(history)

	t.partial.Reset()
	out, err := e.gateway.Generate(ctx, h, gateway.Request{
		System:   prompts.RecoveryPrompt(),
		Messages: history,
		Tools:    e.registry.Specs(),
	}, t.stream)
	if err != nil {
		return nil, err
	}

	kept := st.Messages[:0]
	for _, m := range st.Messages {
		if m.Role == llm.RoleHuman {
			kept = append(kept, m)
		}
	}
	st.Messages = append(kept, out.Message)
	return out, nil
}

// runTools performs the Tools step. Start events for the whole batch
// precede any end event; results are appended in call order.
func (t *runner) runTools(ctx context.Context) {
	e, st := t.engine, t.state

	last, _ := st.LastMessage()
	calls := last.ToolCalls()
	for i := range calls {
		t.events.Emit(events.TurnEvent{Kind: events.KindToolStepStart, ToolCall: &calls[i]})
	}

	results := e.dispatcher.Dispatch(ctx, calls)
	added := 0
	for i := range results {
		msg := llm.NewToolMessage(results[i])
		st.Messages = append(st.Messages, msg)
		added += e.estimator.Message(msg)
		t.events.Emit(events.TurnEvent{Kind: events.KindToolStepEnd, ToolResult: &results[i]})
	}
	st.TokenCount += added
}

func (t *runner) summarize(ctx context.Context, h *gateway.Handle) error {
	e, st := t.engine, t.state

	res, err := e.compactor.Compact(ctx, compactor.Input{
		Messages: st.Messages,
		Summary:  st.Summary,
		Tools:    e.registry.Specs(),
	})
	if err != nil {
		return err
	}

	st.Delete(res.Deleted)
	st.Summary = res.Summary
	st.TokenCount = res.TokenCount
	t.result.Summarized = true

	model := e.cfg.SummaryModel
	if model == "" {
		model = h.ModelID()
	}
	t.account(ctx, model, RoleSummary, res.Usage)
	t.events.Emit(events.TurnEvent{Kind: events.KindSummarized, Text: res.Summary})
	return nil
}

// stop closes a turn the caller cancelled. Tool calls without results
// get aborted results, and a closing AI message carries whatever text
// had been streamed so the next turn starts from well-formed history.
func (t *runner) stop() {
	st := t.state
	t.result.Stopped = true

	if last, ok := st.LastMessage(); ok && last.Role == llm.RoleAI {
		for _, c := range last.ToolCalls() {
			r := llm.ToolResult{
				ToolCallID: c.ID,
				Name:       c.Name,
				Content:    tools.AbortedContent,
				Status:     llm.ToolStatusError,
			}
			st.Messages = append(st.Messages, llm.NewToolMessage(r))
			t.events.Emit(events.TurnEvent{Kind: events.KindToolStepEnd, ToolResult: &r})
		}
	}

	t.appendAI(prompts.StopMessage(t.partial.String()))
	t.partial.Reset()
	t.logger.Info("turn stopped by user")
}

func (t *runner) appendAI(text string) {
	t.state.Messages = append(t.state.Messages, llm.NewAIMessage(llm.TextBlock(text)))
}

// finish emits turn_end with the final state.
func (t *runner) finish(err error) {
	st := t.state
	st.UpdatedAt = time.Now()
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == llm.RoleAI {
			t.result.Reply = st.Messages[i]
			break
		}
	}
	ev := events.TurnEvent{Kind: events.KindTurnEnd, State: st.Flatten()}
	if err != nil {
		ev.Error = err.Error()
	}
	t.events.Emit(ev)
}

func (t *runner) stream(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.KindToken:
		t.partial.WriteString(ev.Token)
		t.events.Emit(events.TurnEvent{Kind: events.KindToken, Text: ev.Token})
	case llm.KindReasoning:
		t.events.Emit(events.TurnEvent{Kind: events.KindReasoning, Text: ev.Token})
	}
}

// account adds u to the turn totals, reports it and records it.
func (t *runner) account(ctx context.Context, modelID, role string, u llm.Usage) {
	t.result.Usage.Add(u)
	t.events.Emit(events.TurnEvent{Kind: events.KindUsage, Usage: &u, Text: modelID})

	rec := t.engine.usage
	if rec == nil {
		return
	}
	provider, model := llm.ParseModelID(modelID)
	err := rec.Record(context.WithoutCancel(ctx), usage.Record{
		TurnID:         t.result.TurnID,
		ConversationID: t.state.ID,
		Model:          model,
		Provider:       provider,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CacheRead:      u.CacheRead,
		CacheWrite:     u.CacheWrite,
		Role:           role,
	})
	if err != nil {
		t.logger.Warn("failed to record usage", "error", err)
	}
}

// systemPrompt assembles the prompt for one Chat call.
func (e *Engine) systemPrompt(ctx context.Context, st *State) string {
	var env string
	if st.Workspace != "" {
		d := prompts.DetectEnvironment(ctx, st.Workspace)
		d.Tasks = st.Tasks
		env = d.String()
	}
	return prompts.SystemPrompt(e.cfg.SystemPrompt, st.Summary, env)
}

// prepare filters history for the model and prefixes the rules.
func (e *Engine) prepare(messages []llm.Message, h *gateway.Handle) []llm.Message {
	return e.withRules(gateway.FilterMessages(messages, h.ModelID()))
}

func (e *Engine) withRules(messages []llm.Message) []llm.Message {
	if strings.TrimSpace(e.cfg.Rules) == "" {
		return messages
	}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{
		ID:     "rules",
		Role:   llm.RoleHuman,
		Blocks: []llm.Block{llm.TextBlock(e.cfg.Rules)},
	})
	return append(out, messages...)
}
