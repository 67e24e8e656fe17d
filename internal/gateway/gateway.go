// Package gateway turns model settings into reusable client handles and
// wraps every model call with prompt-cache annotation, bounded retry
// and usage reporting.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/aki/internal/cache"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/telemetry"
	"github.com/nugget/aki/internal/tokens"
)

// Model defaults.
const (
	DefaultTemperature  = 0.6
	DefaultMaxTokens    = 8192
	DefaultBudgetTokens = 4096
	MinBudgetTokens     = 1024

	// reasoningTemperature is what providers require while thinking.
	reasoningTemperature = 1.0
)

// Options are the behavior-affecting settings of a model handle.
type Options struct {
	ModelID        string
	Temperature    float64
	MaxTokens      int
	CacheEnabled   bool
	MaxCachePoints int
	Reasoning      llm.Reasoning
}

// Fingerprint is the handle cache key. Temperature is rounded to one
// decimal so that UI slider noise does not create new handles.
func (o Options) Fingerprint() string {
	fp := o.ModelID +
		"|" + strconv.FormatFloat(o.Temperature, 'f', 1, 64) +
		"|" + strconv.FormatBool(o.CacheEnabled) +
		"|" + strconv.Itoa(o.MaxCachePoints) +
		"|" + strconv.Itoa(o.MaxTokens)
	if o.Reasoning.Enabled {
		fp += "|reasoning=" + strconv.Itoa(o.Reasoning.BudgetTokens)
	}
	return fp
}

// Handle is a resolved, immutable model configuration. Handles are
// shared between conversations.
type Handle struct {
	fingerprint string
	modelID     string
	provider    string
	model       string
	client      llm.Client
	caps        llm.Capabilities

	temperature float64
	maxTokens   int
	reasoning   llm.Reasoning
	cacheOn     bool
	allocator   *cache.Allocator
}

// Fingerprint returns the key the handle is cached under.
func (h *Handle) Fingerprint() string { return h.fingerprint }

// ModelID returns the "(provider)model" identifier.
func (h *Handle) ModelID() string { return h.modelID }

// Capabilities returns what the model supports.
func (h *Handle) Capabilities() llm.Capabilities { return h.caps }

// SupportsTools reports whether tool definitions are sent to the model.
func (h *Handle) SupportsTools() bool { return h.caps.Has(llm.CapTools) }

// CacheEnabled reports whether requests carry cache markers.
func (h *Handle) CacheEnabled() bool { return h.cacheOn }

// Reasoning returns the effective reasoning settings.
func (h *Handle) Reasoning() llm.Reasoning { return h.reasoning }

// Config holds gateway-wide settings.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	CacheMinTokens int
}

// Gateway creates handles and performs model calls. It is safe for
// concurrent use.
type Gateway struct {
	router    *llm.Router
	estimator *tokens.Estimator
	cfg       Config
	logger    *slog.Logger
	inst      *telemetry.Instruments

	handles sync.Map // fingerprint → *Handle
	group   singleflight.Group
}

// New creates a gateway.
func New(router *llm.Router, est *tokens.Estimator, cfg Config, logger *slog.Logger, inst *telemetry.Instruments) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if inst == nil {
		inst = telemetry.Noop()
	}
	return &Gateway{
		router:    router,
		estimator: est,
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		inst:      inst,
	}
}

// Handle returns the handle for opts, creating it on first use.
// Concurrent callers with the same fingerprint share one creation.
func (g *Gateway) Handle(opts Options) (*Handle, error) {
	fp := opts.Fingerprint()
	if h, ok := g.handles.Load(fp); ok {
		return h.(*Handle), nil
	}
	v, err, _ := g.group.Do(fp, func() (any, error) {
		if h, ok := g.handles.Load(fp); ok {
			return h, nil
		}
		h, err := g.newHandle(fp, opts)
		if err != nil {
			return nil, err
		}
		actual, _ := g.handles.LoadOrStore(fp, h)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Invalidate drops a cached handle. The next Handle call rebuilds it.
func (g *Gateway) Invalidate(fingerprint string) {
	g.handles.Delete(fingerprint)
}

func (g *Gateway) newHandle(fp string, opts Options) (*Handle, error) {
	client, provider, model, err := g.router.Resolve(opts.ModelID)
	if err != nil {
		return nil, err
	}
	caps := llm.CapabilitiesFor(provider, model)

	h := &Handle{
		fingerprint: fp,
		modelID:     llm.FormatModelID(provider, model),
		provider:    provider,
		model:       model,
		client:      client,
		caps:        caps,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		cacheOn:     opts.CacheEnabled && caps.Has(llm.CapPromptCache),
	}
	if h.maxTokens <= 0 {
		h.maxTokens = DefaultMaxTokens
	}
	if opts.Reasoning.Enabled && caps.Has(llm.CapReasoning) {
		budget := opts.Reasoning.BudgetTokens
		if budget == 0 {
			budget = DefaultBudgetTokens
		}
		budget = max(budget, MinBudgetTokens)
		h.reasoning = llm.Reasoning{Enabled: true, BudgetTokens: budget}
		h.temperature = reasoningTemperature
		h.maxTokens += budget
	}
	if h.cacheOn {
		h.allocator = cache.NewAllocator(g.estimator, opts.MaxCachePoints, g.cfg.CacheMinTokens)
	}

	g.logger.Debug("model handle created",
		"model", h.modelID,
		"capabilities", caps.String(),
		"cache", h.cacheOn,
		"reasoning", h.reasoning.Enabled,
		"fingerprint", fp,
	)
	return h, nil
}

// Request is one model call.
type Request struct {
	System   string
	Messages []llm.Message
	Tools    []llm.ToolSpec
}

// Outcome is a successful model call.
type Outcome struct {
	Message    llm.Message
	Usage      llm.Usage
	StopReason string
	Attempts   int
}

// InvocationError reports that every attempt failed.
type InvocationError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("model %s failed after %d attempt(s): %v", e.Model, e.Attempts, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Generate annotates the request with cache markers and invokes the
// model with retry. Retries stop once any token has been streamed to
// callback, since replaying would duplicate visible output.
func (g *Gateway) Generate(ctx context.Context, h *Handle, req Request, callback llm.StreamCallback) (*Outcome, error) {
	ctx, span := g.inst.Tracer.Start(ctx, "gateway.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", h.modelID),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	chatReq := g.buildRequest(h, req)
	span.SetAttributes(attribute.Int("llm.cache_markers", len(chatReq.CacheMarkers)))

	var streamed bool
	cb := func(ev llm.StreamEvent) {
		streamed = true
		if callback != nil {
			callback(ev)
		}
	}

	start := time.Now()
	var (
		resp    *llm.ChatResponse
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		resp, lastErr = h.client.Chat(ctx, chatReq, cb)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil || streamed {
			break
		}
		g.logger.Warn("retrying model call",
			"model", h.modelID,
			"attempt", attempt,
			"max_attempts", g.cfg.MaxAttempts,
			"error", lastErr,
		)
		if attempt == g.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(backoff(g.cfg.BaseDelay, attempt-1))
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}
	attempts := min(attempt, g.cfg.MaxAttempts)

	status := "ok"
	if lastErr != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("model", h.modelID), attribute.String("status", status))
	g.inst.LLMRequests.Add(ctx, 1, attrs)
	g.inst.LLMDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	if lastErr != nil {
		err := &InvocationError{Model: h.modelID, Attempts: attempts, Err: lastErr}
		span.RecordError(err)
		span.SetStatus(codes.Error, "model invocation failed")
		if !errors.Is(lastErr, context.Canceled) {
			g.logger.Error("model call failed", "model", h.modelID, "attempts", attempts, "error", lastErr)
		}
		return nil, err
	}

	g.recordUsage(ctx, h, resp.Usage)
	msg := resp.Message
	msg.Role = llm.RoleAI
	if msg.ID == "" {
		msg.ID = llm.NewID()
	}
	return &Outcome{
		Message:    msg,
		Usage:      resp.Usage,
		StopReason: resp.StopReason,
		Attempts:   attempts,
	}, nil
}

// buildRequest applies the handle's settings and cache annotation.
func (g *Gateway) buildRequest(h *Handle, req Request) *llm.ChatRequest {
	out := &llm.ChatRequest{
		Model:       h.model,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: h.temperature,
		MaxTokens:   h.maxTokens,
		Reasoning:   h.reasoning,
	}
	if h.SupportsTools() {
		out.Tools = req.Tools
	} else if len(req.Tools) > 0 {
		g.logger.Debug("model does not support tools; sending none", "model", h.modelID)
	}

	if h.cacheOn {
		markers, err := h.allocator.Allocate(req.System, req.Messages)
		if err != nil {
			g.logger.Warn("cache allocation failed; continuing without markers", "error", err)
			markers = nil
		}
		out.CacheMarkers = cache.WithTools(markers, out.Tools)
	}
	return out
}

func (g *Gateway) recordUsage(ctx context.Context, h *Handle, u llm.Usage) {
	for kind, n := range map[string]int{
		"input":       u.InputTokens,
		"output":      u.OutputTokens,
		"cache_read":  u.CacheRead,
		"cache_write": u.CacheWrite,
	} {
		if n > 0 {
			g.inst.TokenUsage.Add(ctx, int64(n), metric.WithAttributes(
				attribute.String("model", h.modelID),
				attribute.String("type", kind),
			))
		}
	}
	g.logger.Info(u.String(), "model", h.modelID)
}
