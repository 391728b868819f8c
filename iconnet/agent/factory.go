package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/adapters"
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/tools"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/config"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/db"
)

// Factory creates and wires engine components from configuration.
type Factory struct {
	cfg        config.Config
	logger     zerolog.Logger
	registerer prometheus.Registerer

	provider ports.Provider
	embedder ports.Embedder
	store    ports.SessionStore
	tools    []ports.Tool
	estimate TokenEstimator
}

// FactoryOption overrides a component the factory would otherwise build.
type FactoryOption func(*Factory)

// WithProvider injects a language model instead of building one from cfg.LLM.
func WithProvider(p ports.Provider) FactoryOption { return func(f *Factory) { f.provider = p } }

// WithEmbedder injects the retrieval embedder.
func WithEmbedder(e ports.Embedder) FactoryOption { return func(f *Factory) { f.embedder = e } }

// WithStore injects the session store instead of building one from cfg.Session.
func WithStore(s ports.SessionStore) FactoryOption { return func(f *Factory) { f.store = s } }

// WithTools replaces the configured tool adapters.
func WithTools(t ...ports.Tool) FactoryOption { return func(f *Factory) { f.tools = t } }

// WithEstimator replaces the tiktoken token counter used for context packing.
func WithEstimator(e TokenEstimator) FactoryOption { return func(f *Factory) { f.estimate = e } }

// WithRegisterer sets where metrics are registered. Defaults to the global registry.
func WithRegisterer(reg prometheus.Registerer) FactoryOption {
	return func(f *Factory) { f.registerer = reg }
}

// NewFactory creates a new engine factory.
func NewFactory(cfg config.Config, logger zerolog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Runtime is a fully wired engine plus the resources it holds open.
type Runtime struct {
	Orchestrator *Orchestrator
	Limiter      ports.RateLimiter
	Metrics      *Metrics
	Tools        []ports.Tool

	closers []func() error
}

// Close releases database pools and clients in reverse creation order.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build creates a fully wired Orchestrator from config.
func (f *Factory) Build(ctx context.Context) (rt *Runtime, err error) {
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.Metrics = MustNewMetrics(f.registerer)
	rt.Limiter = f.createRateLimiter()
	cache := f.createCache()
	tracer := f.createTracer()

	store := f.store
	if store == nil {
		if store, err = f.createStore(ctx, rt); err != nil {
			return rt, err
		}
	}

	provider, embedder := f.provider, f.embedder
	if provider == nil {
		if provider, embedder, err = f.createProvider(ctx); err != nil {
			return rt, err
		}
	}

	toolset := f.tools
	if toolset == nil {
		if toolset, err = f.createTools(ctx, rt, cache, embedder); err != nil {
			return rt, err
		}
	}
	rt.Tools = toolset

	agentCfg := f.clampAgentConfig()
	guardrails := f.CreateGuardrails()
	builder := NewPromptBuilder(agentCfg.HistoryWindow)
	assembler := NewContextAssembler(Budget{MaxContextTokens: agentCfg.ContextBudgetTokens, MaxSnippets: 10}, f.createEstimator())
	retryPolicy := RetryPolicy{
		Attempts:   agentCfg.LLMRetryAttempts,
		Backoff:    agentCfg.LLMRetryBackoff,
		MaxBackoff: 10 * agentCfg.LLMRetryBackoff,
	}

	dispatcher := NewDispatcher(toolset, guardrails, DispatcherConfig{
		Concurrency:     agentCfg.ToolConcurrency,
		DefaultTimeout:  agentCfg.ToolTimeout,
		MaxCallsPerTurn: agentCfg.MaxToolCallsPerTurn,
	}, rt.Metrics, f.logger)

	opts := ports.Options{MaxNewTokens: f.cfg.LLM.MaxTokens, Temperature: f.cfg.LLM.Temperature}
	dialogue := NewDialogueController(provider, builder, dispatcher.Specs(), retryPolicy, opts, f.logger).
		WithFallbackText(agentCfg.FallbackText)
	synthOpts := opts
	synthOpts.ToolChoice = "none"

	rt.Orchestrator = NewOrchestrator(Components{
		Store:      store,
		Dialogue:   dialogue,
		Dispatcher: dispatcher,
		Synthesis:  NewSynthesizer(provider, builder, assembler, synthOpts, rt.Metrics, f.logger),
		Quality:    NewQualityGate(provider, builder, retryPolicy, rt.Metrics, f.logger),
		Reflection: NewReflectionController(),
		Classifier: NewIntentClassifier(),
		Guardrails: guardrails,
		Tracer:     tracer,
		Metrics:    rt.Metrics,
	}, PolicyFromConfig(f.cfg.Agent, f.logger), f.logger)

	f.logger.Info().
		Str("session_backend", f.cfg.Session.Backend).
		Str("llm_provider", f.cfg.LLM.Provider).
		Int("tools", len(toolset)).
		Msg("agent runtime ready")
	return rt, nil
}

func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Cache.Enabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.cfg.Cache.Capacity, f.cfg.Cache.TTL)
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.RateLimit.Enabled {
		return &noOpRateLimiter{}
	}
	return adapters.NewKeyedRateLimiter(f.cfg.RateLimit.PerSecond, f.cfg.RateLimit.Burst)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Tracing.Enabled {
		return noopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createEstimator() TokenEstimator {
	if f.estimate != nil {
		return f.estimate
	}
	est, err := adapters.NewTiktokenEstimator(adapters.DefaultEncoding)
	if err != nil {
		f.logger.Warn().Err(err).Msg("tiktoken unavailable, using character heuristic")
		return nil
	}
	return est
}

func (f *Factory) createStore(ctx context.Context, rt *Runtime) (ports.SessionStore, error) {
	switch f.cfg.Session.Backend {
	case "", "memory":
		return adapters.NewMemorySessionStore(), nil
	case "libsql":
		conn, err := db.ConnectToDB(ctx, f.cfg.Session.LibSQLPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		rt.closers = append(rt.closers, conn.Close)
		if err := db.Migrate(ctx, conn); err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		return adapters.NewLibSQLSessionStore(conn), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     f.cfg.Session.RedisAddr,
			DB:       f.cfg.Session.RedisDB,
			Password: f.cfg.Session.RedisPass,
		})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("session store: redis ping %s: %w", f.cfg.Session.RedisAddr, err)
		}
		return adapters.NewRedisSessionStore(client, f.cfg.Session.TTL), nil
	}
	return nil, fmt.Errorf("unknown session backend %q", f.cfg.Session.Backend)
}

func (f *Factory) createProvider(ctx context.Context) (ports.Provider, ports.Embedder, error) {
	model, err := adapters.NewLanguageModel(ctx, f.cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("language model: %w", err)
	}
	embedder := f.embedder
	if embedder == nil {
		if client, ok := model.(embeddings.EmbedderClient); ok {
			e, err := adapters.NewEmbedder(client)
			if err != nil {
				return nil, nil, err
			}
			embedder = e
		} else {
			f.logger.Warn().Str("provider", f.cfg.LLM.Provider).Msg("provider cannot embed, document search disabled")
		}
	}
	return adapters.NewLangChainProvider(model), embedder, nil
}

// createTools builds every adapter whose backing service is configured.
func (f *Factory) createTools(ctx context.Context, rt *Runtime, cache ports.Cache, embedder ports.Embedder) ([]ports.Tool, error) {
	var (
		out  []ports.Tool
		pool *pgxpool.Pool
	)
	if dsn := f.cfg.Assets.PostgresDSN; dsn != "" {
		p, err := db.ConnectPostgres(ctx, dsn, f.cfg.Assets.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("asset database: %w", err)
		}
		rt.closers = append(rt.closers, func() error { p.Close(); return nil })
		pool = p
		out = append(out, tools.NewQueryAssetsTool(pool, f.cfg.Assets.RowLimit))
	} else {
		f.logger.Warn().Str("tool", string(ports.ToolQueryAssets)).Msg("assets.postgres_dsn not set, tool disabled")
	}

	index, err := f.createIndex(pool, embedder)
	if err != nil {
		return nil, err
	}
	if index != nil {
		out = append(out, tools.NewSearchDocumentsTool(index, f.cfg.Retrieval.K))
	}

	out = append(out, tools.NewVisualizationTool())

	if f.cfg.Search.TavilyAPIKey != "" {
		out = append(out, tools.NewWebSearchTool(tools.WebSearchConfig{
			APIKey:     f.cfg.Search.TavilyAPIKey,
			BaseURL:    f.cfg.Search.BaseURL,
			MaxResults: f.cfg.Search.MaxResults,
			CacheTTL:   f.cfg.Search.CacheTTL,
		}, cache))
	} else {
		f.logger.Warn().Str("tool", string(ports.ToolWebSearch)).Msg("search.tavily_api_key not set, tool disabled")
	}

	if f.cfg.Workflow.BaseURL != "" {
		client := tools.NewAirflowClient(tools.WorkflowConfig{
			BaseURL:      f.cfg.Workflow.BaseURL,
			Username:     f.cfg.Workflow.Username,
			Password:     f.cfg.Workflow.Password,
			DagID:        f.cfg.Workflow.DagID,
			PollInterval: f.cfg.Workflow.PollInterval,
			MaxWait:      f.cfg.Workflow.MaxWait,
			TokenTTL:     f.cfg.Workflow.TokenTTL,
		}, cache)
		out = append(out, tools.NewTriggerETLTool(client))
	} else {
		f.logger.Warn().Str("tool", string(ports.ToolTriggerETL)).Msg("workflow.base_url not set, tool disabled")
	}
	return out, nil
}

func (f *Factory) createIndex(pool *pgxpool.Pool, embedder ports.Embedder) (tools.DocumentIndex, error) {
	if embedder == nil {
		return nil, nil
	}
	switch f.cfg.Retrieval.Backend {
	case "chromem":
		idx, err := tools.NewChromemIndex(f.cfg.Retrieval.ChromemPath, f.cfg.Retrieval.Collection, embedder.EmbedQuery)
		if err != nil {
			return nil, fmt.Errorf("document index: %w", err)
		}
		return idx, nil
	case "", "pgvector":
		if pool == nil {
			f.logger.Warn().Str("tool", string(ports.ToolSearchDocuments)).Msg("pgvector retrieval needs assets.postgres_dsn, tool disabled")
			return nil, nil
		}
		return tools.NewPGVectorIndex(pool, embedder, f.cfg.Retrieval.Table), nil
	}
	return nil, fmt.Errorf("unknown retrieval backend %q", f.cfg.Retrieval.Backend)
}

// CreateGuardrails creates guardrails from config.
func (f *Factory) CreateGuardrails() *Guardrails {
	guardrails := NewGuardrails()
	if !f.cfg.Guardrails.Enabled {
		return guardrails
	}
	for _, name := range f.cfg.Guardrails.AllowedTools {
		tool := ports.ToolName(name)
		if !tool.Valid() {
			f.logger.Warn().Str("tool", name).Msg("ignoring unknown tool in guardrails.allowed_tools")
			continue
		}
		guardrails.AddAllowedTool(tool)
	}
	for _, word := range f.cfg.Guardrails.BlockedWords {
		guardrails.AddBlockedWord(word)
	}
	return guardrails
}

// PolicyFromConfig derives the live-tunable turn policy, clamping max_retries to 0..5.
func PolicyFromConfig(cfg config.AgentConfig, logger zerolog.Logger) Policy {
	p := Policy{
		MaxRetries: clampInt(logger, "max_retries", cfg.MaxRetries, 0, 5),
		TurnBudget: cfg.TurnBudget,
	}
	if p.TurnBudget < 0 {
		logger.Warn().Dur("turn_budget", cfg.TurnBudget).Msg("turn_budget negative, budget disabled")
		p.TurnBudget = 0
	}
	return p
}

func (f *Factory) clampAgentConfig() config.AgentConfig {
	c := f.cfg.Agent
	c.MaxToolCallsPerTurn = clampInt(f.logger, "max_tool_calls_per_turn", c.MaxToolCallsPerTurn, 1, 10)
	c.ToolConcurrency = clampInt(f.logger, "tool_concurrency", c.ToolConcurrency, 1, 16)
	if c.LLMRetryAttempts < 1 {
		c.LLMRetryAttempts = 1
	}
	if c.LLMRetryBackoff <= 0 {
		c.LLMRetryBackoff = 200 * time.Millisecond
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	if c.ContextBudgetTokens <= 0 {
		c.ContextBudgetTokens = 3000
	}
	return c
}

func clampInt(logger zerolog.Logger, name string, v, lo, hi int) int {
	switch {
	case v < lo:
		logger.Warn().Int(name, v).Msgf("%s clamped to minimum of %d", name, lo)
		return lo
	case v > hi:
		logger.Warn().Int(name, v).Msgf("%s clamped to maximum of %d", name, hi)
		return hi
	}
	return v
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *noOpCache) Delete(context.Context, string) error { return nil }

// noOpRateLimiter admits every request.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
)
