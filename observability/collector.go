package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector is a prometheus-backed Sink. Counters and histograms are
// registered once at construction via promauto; Emit only touches label
// lookups and atomic adds, so it is cheap enough for hot paths.
type Collector struct {
	breakerTransitions *prometheus.CounterVec
	stepsTotal         *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	checkpointsTotal   *prometheus.CounterVec
	recoveriesTotal    *prometheus.CounterVec
	workflowsTotal     *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec
	activeRuns         prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a Collector registered on the given registerer. Pass
// nil to use the default prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"collaborator", "to_state"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Terminal step outcomes",
		},
		[]string{"workflow_id", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"workflow_id"},
	)

	c.checkpointsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints persisted",
		},
		[]string{"workflow_id"},
	)

	c.recoveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Workflow recoveries from checkpoint",
		},
		[]string{"workflow_id"},
	)

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Terminal workflow outcomes",
		},
		[]string{"status"},
	)

	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback-chain traversals and degraded results",
		},
		[]string{"collaborator", "outcome"},
	)

	c.activeRuns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Workflow runs currently executing",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Emit implements Sink.
func (c *Collector) Emit(event Event) {
	switch event.Type {
	case EventBreakerOpened:
		c.breakerTransitions.WithLabelValues(event.Collaborator, "open").Inc()
	case EventBreakerClosed:
		c.breakerTransitions.WithLabelValues(event.Collaborator, "closed").Inc()
	case EventBreakerHalfOpen:
		c.breakerTransitions.WithLabelValues(event.Collaborator, "half_open").Inc()
	case EventStepCompleted:
		c.stepsTotal.WithLabelValues(event.WorkflowID, "completed").Inc()
		c.observeDuration(event)
	case EventStepFailed:
		c.stepsTotal.WithLabelValues(event.WorkflowID, "failed").Inc()
		c.observeDuration(event)
	case EventCheckpointCreated:
		c.checkpointsTotal.WithLabelValues(event.WorkflowID).Inc()
	case EventWorkflowStarted:
		c.activeRuns.Inc()
	case EventWorkflowRecovered:
		c.recoveriesTotal.WithLabelValues(event.WorkflowID).Inc()
	case EventWorkflowCompleted:
		c.workflowsTotal.WithLabelValues("completed").Inc()
		c.activeRuns.Dec()
	case EventWorkflowFailed:
		c.workflowsTotal.WithLabelValues("failed").Inc()
		c.activeRuns.Dec()
	case EventFallbackTriggered:
		c.fallbacksTotal.WithLabelValues(event.Collaborator, "fallback").Inc()
	case EventDegradedResult:
		c.fallbacksTotal.WithLabelValues(event.Collaborator, "degraded").Inc()
	default:
		c.logger.Debug("unknown event type", zap.String("type", string(event.Type)))
	}
}

func (c *Collector) observeDuration(event Event) {
	if event.Duration > 0 {
		c.stepDuration.WithLabelValues(event.WorkflowID).Observe(event.Duration.Seconds())
	}
}

var _ Sink = (*Collector)(nil)
