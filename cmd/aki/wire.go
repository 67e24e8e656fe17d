package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/aki/internal/agent"
	"github.com/nugget/aki/internal/compactor"
	"github.com/nugget/aki/internal/config"
	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/gateway"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/session"
	"github.com/nugget/aki/internal/telemetry"
	"github.com/nugget/aki/internal/tokens"
	"github.com/nugget/aki/internal/tools"
	"github.com/nugget/aki/internal/usage"
)

// runtime is everything a turn needs, built once per process.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	engine *agent.Engine
	router *llm.Router
	store  session.Store
	usage  *usage.Store
	bus    *events.Bus

	closers []func() error
}

// Close releases the stores in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

// modelConfig is the model selection for new conversations.
func (rt *runtime) modelConfig() agent.ModelConfig {
	m := rt.cfg.Model
	return agent.ModelConfig{
		ModelID:        m.Default,
		Temperature:    m.Temperature,
		MaxTokens:      m.MaxTokens,
		CacheEnabled:   m.CacheEnabled,
		MaxCachePoints: m.MaxCachePoints,
		Reasoning: llm.Reasoning{
			Enabled:      m.Reasoning.Enabled,
			BudgetTokens: m.Reasoning.BudgetTokens,
		},
	}
}

// newState returns an empty conversation with the configured defaults.
func (rt *runtime) newState(id string) *agent.State {
	st := agent.NewState(id, rt.modelConfig())
	st.Workspace = rt.cfg.Workspace
	return st
}

// newRouter registers every provider the config can reach. Ollama needs
// no credentials and is always available.
func newRouter(cfg *config.Config, logger *slog.Logger) *llm.Router {
	router := llm.NewRouter("anthropic")
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		router.AddProvider("anthropic", llm.NewAnthropicClient(p.Anthropic.APIKey, p.Anthropic.BaseURL, logger))
	}
	if p.OpenAI.APIKey != "" || p.OpenAI.BaseURL != "" {
		router.AddProvider("openai", llm.NewOpenAIClient(p.OpenAI.APIKey, p.OpenAI.BaseURL, logger))
	}
	router.AddProvider("ollama", llm.NewOllamaClient(p.Ollama.URL, logger))
	logger.Info("model providers registered", "providers", router.Providers())
	return router
}

// buildRuntime wires the engine and its stores from cfg. The caller
// must Close the runtime.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, inst *telemetry.Instruments) (*runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, bus: events.New()}

	store, err := session.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	usageStore, err := usage.NewStore(cfg.Usage.Path, cfg.Pricing)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	rt.usage = usageStore
	rt.closers = append(rt.closers, usageStore.Close)

	systemPrompt, err := config.ReadOptionalFile(cfg.SystemPromptFile)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("read system prompt: %w", err)
	}
	rules, err := config.ReadOptionalFile(cfg.RulesFile)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("read rules: %w", err)
	}

	est := tokens.NewEstimator(tokens.NewTiktoken(logger))
	rt.router = newRouter(cfg, logger)
	gw := gateway.New(rt.router, est, gateway.Config{
		MaxAttempts:    cfg.Model.Retry.MaxAttempts,
		BaseDelay:      cfg.Model.Retry.BaseDelay,
		CacheMinTokens: cfg.Model.CacheMinTokens,
	}, logger, inst)

	reg := tools.NewRegistry()
	if cfg.Workspace != "" {
		ft := tools.NewFileTools(cfg.Workspace)
		ft.Register(reg)
		logger.Info("workspace tools enabled", "root", ft.Root(), "tools", reg.Names())
	}
	disp := tools.NewDispatcher(reg, est, tools.Config{
		Timeout:         cfg.Tools.Timeout(),
		MaxOutputTokens: cfg.Tools.MaxOutputTokens,
		MaxParallel:     cfg.Tools.MaxParallel,
	}, logger, inst)

	summaryOpts := rt.modelConfig().Options()
	if cfg.Model.Summary != "" {
		summaryOpts.ModelID = cfg.Model.Summary
	}
	comp := compactor.New(
		&compactor.GatewaySummarizer{Gateway: gw, Options: summaryOpts},
		est,
		compactor.Config{Threshold: cfg.Engine.TokenThreshold},
		logger, inst,
	)

	rt.engine = agent.New(agent.Deps{
		Gateway:     gw,
		Registry:    reg,
		Dispatcher:  disp,
		Compactor:   comp,
		Estimator:   est,
		Usage:       usageStore,
		Bus:         rt.bus,
		Logger:      logger,
		Instruments: inst,
	}, agent.Config{
		SystemPrompt:  systemPrompt,
		Rules:         rules,
		MaxIterations: cfg.Engine.MaxIterations,
		SummaryModel:  cfg.Model.Summary,
	})
	return rt, nil
}

// instruments returns live OTLP instruments when telemetry is enabled.
// The shutdown function is never nil.
func instruments(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*telemetry.Instruments, func(context.Context) error) {
	noShutdown := func(context.Context) error { return nil }
	if !cfg.Telemetry.Enabled {
		return telemetry.Noop(), noShutdown
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Warn("telemetry disabled: exporter setup failed", "error", err)
		return telemetry.Noop(), noShutdown
	}
	inst, err := telemetry.New()
	if err != nil {
		logger.Warn("telemetry disabled: instrument setup failed", "error", err)
		return telemetry.Noop(), shutdown
	}
	logger.Info("telemetry export enabled", "service", cfg.Telemetry.ServiceName)
	return inst, shutdown
}
