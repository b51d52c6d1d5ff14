package config

import "time"

// DefaultConfig returns the engine defaults. Every loader run starts from
// these before file and environment overrides apply.
func DefaultConfig() *Config {
	return &Config{
		Resilience:   DefaultResilienceConfig(),
		Checkpoint:   DefaultCheckpointConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Log:          DefaultLogConfig(),
		Metrics:      DefaultMetricsConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultResilienceConfig returns the default protection settings.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			HalfOpenMaxProbes: 1,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      true,
		},
	}
}

// DefaultCheckpointConfig returns the in-memory backend with modest
// retention.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:   "memory",
		Dir:       "checkpoints",
		Retention: 20,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "flowguard:ckpt:",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "flowguard.db",
		},
	}
}

// DefaultOrchestratorConfig returns the workflow execution defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxParallel:          8,
		CheckpointInterval:   30 * time.Second,
		CheckpointEverySteps: 5,
		MaxRecoveryAttempts:  3,
		MaxExecutionTime:     0,
		FinishedRunRetention: 128,
	}
}

// DefaultLogConfig returns JSON logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// DefaultMetricsConfig returns metrics enabled under the flowguard
// namespace.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "flowguard",
	}
}

// DefaultTelemetryConfig returns telemetry disabled; enabling requires an
// OTLP endpoint.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowguard",
		SampleRate:   1.0,
	}
}
