package funding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoringOf(client, project, funding float64) *Scoring {
	return &Scoring{ClientRelevance: client, ProjectRelevance: project, FundingAttractiveness: funding}
}

func TestFilterStage_MissingScoringData(t *testing.T) {
	fs := NewFilterStage()

	opps := []AnalyzedOpportunity{
		{Opportunity: Opportunity{ID: "1", Title: "No scoring"}, Scoring: nil},
	}

	result := fs.Filter(opps, nil)

	require.Len(t, result.ExcludedOpportunities, 1)
	assert.Equal(t, "Missing scoring data", result.ExcludedOpportunities[0].ExclusionReason)
	assert.Equal(t, 1, result.FilterMetrics.ExclusionReasons.MissingScoring)
	assert.Equal(t, 0, result.FilterMetrics.ExclusionReasons.TwoZeroCategories)
}

func TestFilterStage_TwoZeroExclusion(t *testing.T) {
	fs := NewFilterStage()

	// Scenario 4 from spec §8: clientRelevance=0, projectRelevance=0, fundingAttractiveness=75.
	opps := []AnalyzedOpportunity{
		{Opportunity: Opportunity{ID: "1"}, Scoring: scoringOf(0, 0, 75)},
	}

	result := fs.Filter(opps, nil)

	require.Len(t, result.ExcludedOpportunities, 1)
	assert.Equal(t, "2 out of 3 core categories scored 0", result.ExcludedOpportunities[0].ExclusionReason)
}

func TestFilterStage_OneZeroIsIncluded(t *testing.T) {
	fs := NewFilterStage()

	opps := []AnalyzedOpportunity{
		{Opportunity: Opportunity{ID: "1"}, Scoring: scoringOf(0, 2, 3)},
	}

	result := fs.Filter(opps, nil)

	assert.Len(t, result.IncludedOpportunities, 1)
	assert.Empty(t, result.ExcludedOpportunities)
}

func TestFilterStage_ThreeZeros(t *testing.T) {
	fs := NewFilterStage()

	opps := []AnalyzedOpportunity{
		{Opportunity: Opportunity{ID: "1"}, Scoring: scoringOf(0, 0, 0)},
	}

	result := fs.Filter(opps, nil)

	require.Len(t, result.ExcludedOpportunities, 1)
	assert.Equal(t, "3 out of 3 core categories scored 0", result.ExcludedOpportunities[0].ExclusionReason)
}

func TestFilterStage_ExcludeIfTwoZerosDisabled(t *testing.T) {
	fs := NewFilterStage()

	cfg := DefaultFilterConfig()
	cfg.ExcludeIfTwoZeros = false

	opps := []AnalyzedOpportunity{
		{Opportunity: Opportunity{ID: "1"}, Scoring: scoringOf(0, 0, 0)},
	}

	result := fs.Filter(opps, &cfg)

	assert.Len(t, result.IncludedOpportunities, 1)
	assert.Empty(t, result.ExcludedOpportunities)
}

func TestFilterStage_PreservesNonScoringFields(t *testing.T) {
	fs := NewFilterStage()

	opp := AnalyzedOpportunity{
		Opportunity: Opportunity{ID: "1", Title: "Grant", Description: "desc"},
		Content: ContentEnhancement{
			EnhancedDescription: "enhanced",
		},
		Scoring: scoringOf(3, 3, 3),
	}

	result := fs.Filter([]AnalyzedOpportunity{opp}, nil)

	require.Len(t, result.IncludedOpportunities, 1)
	assert.Equal(t, opp, result.IncludedOpportunities[0])
}

func TestFilterStage_MetricsTotals(t *testing.T) {
	fs := NewFilterStage()

	opps := []AnalyzedOpportunity{
		{Opportunity: Opportunity{ID: "1"}, Scoring: scoringOf(3, 3, 3)},
		{Opportunity: Opportunity{ID: "2"}, Scoring: scoringOf(0, 0, 1)},
		{Opportunity: Opportunity{ID: "3"}, Scoring: nil},
	}

	result := fs.Filter(opps, nil)

	assert.Equal(t, 3, result.FilterMetrics.TotalAnalyzed)
	assert.Equal(t, 1, result.FilterMetrics.Included)
	assert.Equal(t, 2, result.FilterMetrics.Excluded)
	assert.True(t, result.Success)
}
