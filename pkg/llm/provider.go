// Package llm defines the structured-output LLM provider contract used
// by the funding pipeline's analysis stage, and a concrete
// implementation backed by google.golang.org/genai.
package llm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/genai"
)

// Usage mirrors the token accounting returned by the provider on every call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Performance mirrors the per-call timing breakdown.
type Performance struct {
	TotalMs      int64 `json:"totalMs"`
	APICallMs    int64 `json:"apiCallMs"`
	ValidationMs int64 `json:"validationMs"`
}

// SchemaResult is the return shape of CallWithSchema: the raw decoded
// JSON payload plus usage/performance accounting.
type SchemaResult struct {
	Data        json.RawMessage `json:"data"`
	Usage       Usage           `json:"usage"`
	Performance Performance     `json:"performance"`
}

// BatchSizing is the result of CalculateOptimalBatchSize.
type BatchSizing struct {
	BatchSize          int    `json:"batchSize"`
	MaxTokens          int    `json:"maxTokens"`
	ModelName          string `json:"modelName"`
	ModelCapacity      int    `json:"modelCapacity"`
	TokensPerOpportunity int  `json:"tokensPerOpportunity"`
	BaseTokens         int    `json:"baseTokens"`
	Reason             string `json:"reason"`
}

// PerformanceMetrics is a running summary across all calls made by a provider.
type PerformanceMetrics struct {
	TotalTokens     int64         `json:"totalTokens"`
	TotalCalls      int64         `json:"totalCalls"`
	AverageLatency  time.Duration `json:"averageLatency"`
}

// Provider is the external LLM client contract described in spec §6
// and expanded in SPEC_FULL.md §D. AnalysisCoordinator depends only on
// this interface.
type Provider interface {
	// CallWithSchema invokes the model once, constraining its output to
	// the given JSON schema, and returns the parsed payload.
	CallWithSchema(ctx context.Context, prompt string, schema *genai.Schema) (*SchemaResult, error)

	// BatchCallWithSchema issues one CallWithSchema per prompt, bounded
	// to maxConcurrent in flight at once. No caller in this repository
	// uses it; AnalysisCoordinator has no per-opportunity fallback.
	BatchCallWithSchema(ctx context.Context, prompts []string, schema *genai.Schema, maxConcurrent int) ([]*SchemaResult, error)

	// CalculateOptimalBatchSize derives a batch size and token budget
	// from the average description length of the pending chunk.
	CalculateOptimalBatchSize(avgDescriptionLength int, baseTokensHint, perItemHint *int) BatchSizing

	// GetPerformanceMetrics returns a running summary across all calls
	// made by this provider instance.
	GetPerformanceMetrics() PerformanceMetrics

	// IsConfigured reports whether the provider has the credentials it
	// needs to make calls.
	IsConfigured() bool
}

// metricsTracker is held as a field by provider implementations to accumulate
// PerformanceMetrics without each one reimplementing the bookkeeping.
type metricsTracker struct {
	mu           sync.Mutex
	totalTokens  int64
	totalCalls   int64
	totalLatency time.Duration
}

func (m *metricsTracker) record(tokens int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalTokens += int64(tokens)
	m.totalCalls++
	m.totalLatency += latency
}

func (m *metricsTracker) snapshot() PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg := time.Duration(0)
	if m.totalCalls > 0 {
		avg = m.totalLatency / time.Duration(m.totalCalls)
	}
	return PerformanceMetrics{
		TotalTokens:    m.totalTokens,
		TotalCalls:     m.totalCalls,
		AverageLatency: avg,
	}
}
