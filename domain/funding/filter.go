package funding

import (
	"fmt"
	"time"
)

// FilterConfig configures FilterStage. Pure value type; safe to share
// across concurrent invocations.
type FilterConfig struct {
	ExcludeIfTwoZeros bool
	// MaxZeroScoreComponents is the number of zero-valued core score
	// components an opportunity may have before it's excluded; exceeding
	// it excludes. Sourced from internal/config.PipelineConfig.MaxZeroScoreComponents.
	MaxZeroScoreComponents int
	EnableLogging          bool
	LogLevel               string
}

// DefaultFilterConfig matches the defaults in spec §4.5.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		ExcludeIfTwoZeros:      true,
		MaxZeroScoreComponents: 1,
		EnableLogging:          true,
		LogLevel:               "info",
	}
}

// ExclusionReasonCounts tallies why opportunities were excluded.
type ExclusionReasonCounts struct {
	TwoZeroCategories int `json:"twoZeroCategories"`
	MissingScoring    int `json:"missingScoring"`
}

// FilterMetrics summarizes one FilterStage invocation.
type FilterMetrics struct {
	TotalAnalyzed    int                   `json:"totalAnalyzed"`
	Included         int                   `json:"included"`
	Excluded         int                   `json:"excluded"`
	ExclusionReasons ExclusionReasonCounts `json:"exclusionReasons"`
}

// ExcludedOpportunity pairs an analyzed opportunity with why it was dropped.
type ExcludedOpportunity struct {
	AnalyzedOpportunity
	ExclusionReason string `json:"exclusionReason"`
}

// FilterResult is the return shape of FilterStage.Filter.
type FilterResult struct {
	Success              bool
	IncludedOpportunities []AnalyzedOpportunity
	ExcludedOpportunities []ExcludedOpportunity
	FilterMetrics        FilterMetrics
	ProcessingTime       time.Duration
	Config               FilterConfig
}

// FilterStage drops analyzed opportunities that fail configurable
// relevance rules, per spec §4.5. It holds no mutable state: Filter is
// a pure function, safe under concurrent invocation.
type FilterStage struct{}

// NewFilterStage constructs a FilterStage.
func NewFilterStage() *FilterStage {
	return &FilterStage{}
}

// Filter partitions analyzed opportunities into included/excluded sets.
func (f *FilterStage) Filter(opps []AnalyzedOpportunity, config *FilterConfig) FilterResult {
	start := time.Now()

	cfg := DefaultFilterConfig()
	if config != nil {
		cfg = *config
	}

	result := FilterResult{
		Success: true,
		Config:  cfg,
	}
	result.FilterMetrics.TotalAnalyzed = len(opps)

	for _, o := range opps {
		reason, excluded := f.exclusionReason(o, cfg)
		if !excluded {
			result.IncludedOpportunities = append(result.IncludedOpportunities, o)
			continue
		}

		result.ExcludedOpportunities = append(result.ExcludedOpportunities, ExcludedOpportunity{
			AnalyzedOpportunity: o,
			ExclusionReason:     reason,
		})
		if o.Scoring == nil {
			result.FilterMetrics.ExclusionReasons.MissingScoring++
		} else {
			result.FilterMetrics.ExclusionReasons.TwoZeroCategories++
		}
	}

	result.FilterMetrics.Included = len(result.IncludedOpportunities)
	result.FilterMetrics.Excluded = len(result.ExcludedOpportunities)
	result.ProcessingTime = time.Since(start)
	return result
}

// exclusionReason returns the exclusion reason string and whether the
// opportunity should be excluded.
func (f *FilterStage) exclusionReason(o AnalyzedOpportunity, cfg FilterConfig) (string, bool) {
	if o.Scoring == nil {
		return "Missing scoring data", true
	}

	if !cfg.ExcludeIfTwoZeros {
		return "", false
	}

	maxZero := cfg.MaxZeroScoreComponents
	if maxZero == 0 {
		maxZero = 1
	}

	zeroCount := 0
	for _, v := range []float64{o.Scoring.ClientRelevance, o.Scoring.ProjectRelevance, o.Scoring.FundingAttractiveness} {
		if v == 0 {
			zeroCount++
		}
	}

	if zeroCount > maxZero {
		return fmt.Sprintf("%d out of 3 core categories scored 0", zeroCount), true
	}
	return "", false
}
