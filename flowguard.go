// Package flowguard provides the top-level engine: a workflow orchestrator
// wired to circuit breakers, retry policies, graceful degradation, agent
// fallback chains, and a checkpoint store, all built from one Config.
//
// Usage:
//
//	engine, err := flowguard.New(executor,
//	    flowguard.WithConfig(cfg),
//	    flowguard.WithLogger(logger))
//	if err != nil { ... }
//	defer engine.Close(context.Background())
//
//	runID, err := engine.StartWorkflow(ctx, def, initialData)
package flowguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/checkpoint"
	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/coordinator"
	"github.com/BaSui01/flowguard/internal/telemetry"
	"github.com/BaSui01/flowguard/observability"
	"github.com/BaSui01/flowguard/orchestrator"
	"github.com/BaSui01/flowguard/resilience"
)

// Engine bundles the orchestrator with its supporting subsystems. Create
// one per isolated workflow domain; breaker and agent state is shared
// across all runs of the same engine.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	ownLogger bool
	sink      observability.Sink
	store     checkpoint.Store
	registry  *resilience.Registry
	coord     *coordinator.AgentCoordinator
	orch      *orchestrator.Orchestrator
	providers *telemetry.Providers
}

type engineOptions struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      checkpoint.Store
	extraSinks []observability.Sink
	registerer prometheus.Registerer
}

// Option configures the engine created by [New].
type Option func(*engineOptions)

// WithConfig supplies a loaded configuration. Defaults apply when omitted.
func WithConfig(cfg *config.Config) Option {
	return func(o *engineOptions) { o.cfg = cfg }
}

// WithLogger supplies a logger. When omitted the engine builds one from
// the config's log section and owns its lifecycle.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithStore overrides the checkpoint backend from the config.
func WithStore(store checkpoint.Store) Option {
	return func(o *engineOptions) { o.store = store }
}

// WithSink adds an event sink alongside the built-in metrics collector.
func WithSink(sink observability.Sink) Option {
	return func(o *engineOptions) { o.extraSinks = append(o.extraSinks, sink) }
}

// WithRegisterer sets the Prometheus registerer for engine metrics.
// Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// New wires an engine around the injected task executor.
func New(executor orchestrator.TaskExecutor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, errors.New("flowguard: executor is required")
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	ownLogger := false
	if logger == nil {
		logger = config.BuildLogger(cfg.Log)
		ownLogger = true
	}

	sinks := o.extraSinks
	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		sinks = append(sinks, observability.NewCollector(cfg.Metrics.Namespace, reg, logger))
	}
	var sink observability.Sink
	switch len(sinks) {
	case 0:
		sink = observability.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = observability.MultiSink(sinks)
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("flowguard: init telemetry: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = checkpoint.NewStore(storeConfig(cfg.Checkpoint))
		if err != nil {
			return nil, fmt.Errorf("flowguard: open checkpoint store: %w", err)
		}
	}

	registry := resilience.NewRegistry(sink, logger)
	registry.SetDefaults(
		resilience.CircuitBreakerConfig{
			FailureThreshold:  cfg.Resilience.Breaker.FailureThreshold,
			RecoveryTimeout:   cfg.Resilience.Breaker.RecoveryTimeout,
			HalfOpenMaxProbes: cfg.Resilience.Breaker.HalfOpenMaxProbes,
		},
		resilience.RetryPolicy{
			MaxAttempts: cfg.Resilience.Retry.MaxAttempts,
			BaseDelay:   cfg.Resilience.Retry.BaseDelay,
			MaxDelay:    cfg.Resilience.Retry.MaxDelay,
			Multiplier:  cfg.Resilience.Retry.Multiplier,
			Jitter:      cfg.Resilience.Retry.Jitter,
		},
	)

	coord := coordinator.New(resilience.NewProtectedInvoker(registry, logger), sink, logger)

	orch := orchestrator.New(executor, orchestrator.Options{
		Registry:    registry,
		Coordinator: coord,
		Store:       store,
		Sink:        sink,
		Logger:      logger,
		Defaults: orchestrator.WorkflowDefaults{
			MaxParallel:          cfg.Orchestrator.MaxParallel,
			CheckpointInterval:   cfg.Orchestrator.CheckpointInterval,
			CheckpointEverySteps: cfg.Orchestrator.CheckpointEverySteps,
			MaxRecoveryAttempts:  cfg.Orchestrator.MaxRecoveryAttempts,
			MaxExecutionTime:     cfg.Orchestrator.MaxExecutionTime,
		},
		CheckpointRetention:  cfg.Checkpoint.Retention,
		FinishedRunRetention: cfg.Orchestrator.FinishedRunRetention,
	})

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		ownLogger: ownLogger,
		sink:      sink,
		store:     store,
		registry:  registry,
		coord:     coord,
		orch:      orch,
		providers: providers,
	}, nil
}

// storeConfig maps the config section onto the checkpoint factory input.
func storeConfig(cfg config.CheckpointConfig) checkpoint.StoreConfig {
	return checkpoint.StoreConfig{
		Backend: cfg.Backend,
		Dir:     cfg.Dir,
		Redis: checkpoint.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
		Database: checkpoint.DatabaseConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN,
		},
	}
}

// StartWorkflow validates the definition and launches a run.
func (e *Engine) StartWorkflow(ctx context.Context, def *orchestrator.WorkflowDefinition, initialData map[string]any) (string, error) {
	return e.orch.StartWorkflow(ctx, def, initialData)
}

// GetStatus reports progress for a run.
func (e *Engine) GetStatus(runID string) (*orchestrator.RunStatus, error) {
	return e.orch.GetStatus(runID)
}

// GetResult returns the merged data of a terminal run.
func (e *Engine) GetResult(runID string) (map[string]any, error) {
	return e.orch.GetResult(runID)
}

// Cancel stops a run.
func (e *Engine) Cancel(runID string) error { return e.orch.Cancel(runID) }

// Pause suspends a run between step batches.
func (e *Engine) Pause(runID string) error { return e.orch.Pause(runID) }

// Resume releases a paused run.
func (e *Engine) Resume(runID string) error { return e.orch.Resume(runID) }

// Wait blocks until the run terminates or ctx expires.
func (e *Engine) Wait(ctx context.Context, runID string) (orchestrator.RunState, error) {
	return e.orch.Wait(ctx, runID)
}

// RegisterCircuitBreaker configures the breaker for a collaborator.
func (e *Engine) RegisterCircuitBreaker(name string, cfg resilience.CircuitBreakerConfig) {
	e.registry.RegisterCircuitBreaker(name, cfg)
}

// RegisterRetryPolicy configures the retry policy for a collaborator.
func (e *Engine) RegisterRetryPolicy(name string, policy resilience.RetryPolicy) {
	e.registry.RegisterRetryPolicy(name, policy)
}

// RegisterRateLimit installs a token-bucket limit on a collaborator.
func (e *Engine) RegisterRateLimit(name string, rps float64, burst int) {
	e.registry.RegisterRateLimit(name, rps, burst)
}

// RegisterDegradation installs a fallback for a collaborator.
func (e *Engine) RegisterDegradation(name string, fn resilience.FallbackFunc) {
	e.registry.RegisterDegradation(name, fn)
}

// RegisterFallbackChain sets the ordered alternates tried when the primary
// agent backend fails.
func (e *Engine) RegisterFallbackChain(primary string, alternates []string) {
	e.coord.RegisterFallbackChain(primary, alternates)
}

// BreakerStates reports every known breaker, for status endpoints.
func (e *Engine) BreakerStates() map[string]resilience.CircuitState {
	return e.registry.BreakerStates()
}

// Registry exposes the resilience registry.
func (e *Engine) Registry() *resilience.Registry { return e.registry }

// Coordinator exposes the agent coordinator.
func (e *Engine) Coordinator() *coordinator.AgentCoordinator { return e.coord }

// Orchestrator exposes the underlying orchestrator.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Store exposes the checkpoint store.
func (e *Engine) Store() checkpoint.Store { return e.store }

// Close flushes telemetry and the engine-owned logger. Runs still executing
// keep going; cancel them first if teardown must be clean.
func (e *Engine) Close(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := e.providers.Shutdown(ctx)
	if e.ownLogger {
		_ = e.logger.Sync()
	}
	return err
}
