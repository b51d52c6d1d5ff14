package types

import "time"

// Confidence grades how trustworthy a result is after resilience machinery
// has been involved in producing it.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// ResultStatus distinguishes primary results from degraded ones.
type ResultStatus string

const (
	// ResultOK is a result produced by the primary path or a healthy fallback.
	ResultOK ResultStatus = "ok"
	// ResultDegraded is a placeholder produced after every backend in a
	// fallback chain failed. Downstream steps can proceed with it instead of
	// aborting the run.
	ResultDegraded ResultStatus = "degraded"
)

// AgentResult is the envelope returned by the agent coordinator. A degraded
// result carries no output, a low confidence grade, and the reason the
// primary path could not serve.
type AgentResult struct {
	Status     ResultStatus   `json:"status"`
	Backend    string         `json:"backend,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Confidence Confidence     `json:"confidence"`
	Reason     string         `json:"reason,omitempty"`
	ProducedAt time.Time      `json:"produced_at"`
}

// Degraded constructs the degraded-result marker for a failed fallback chain.
func Degraded(reason string) *AgentResult {
	return &AgentResult{
		Status:     ResultDegraded,
		Confidence: ConfidenceLow,
		Reason:     reason,
		ProducedAt: time.Now(),
	}
}

// IsDegraded reports whether the result is a degraded placeholder.
func (r *AgentResult) IsDegraded() bool {
	return r != nil && r.Status == ResultDegraded
}
