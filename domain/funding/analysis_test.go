package funding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAnalysisResults_CountMismatch(t *testing.T) {
	input := []Opportunity{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	content := []ContentEnhancement{{ID: "a"}, {ID: "b"}}
	scoring := []ScoringResult{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	err := validateAnalysisResults(input, content, scoring)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Parallel analysis validation failed")
	assert.Contains(t, err.Error(), "Content count mismatch: expected 3, got 2")
	assert.Contains(t, err.Error(), "Missing content for opportunity ID: c")
}

func TestValidateAnalysisResults_UnexpectedID(t *testing.T) {
	input := []Opportunity{{ID: "a"}}
	content := []ContentEnhancement{{ID: "a"}, {ID: "x"}}
	scoring := []ScoringResult{{ID: "a"}}

	err := validateAnalysisResults(input, content, scoring)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unexpected content result ID: x")
}

func TestValidateAnalysisResults_Valid(t *testing.T) {
	input := []Opportunity{{ID: "a"}, {ID: "b"}}
	content := []ContentEnhancement{{ID: "b"}, {ID: "a"}}
	scoring := []ScoringResult{{ID: "a"}, {ID: "b"}}

	assert.NoError(t, validateAnalysisResults(input, content, scoring))
}

func TestMergeAnalysisResults_PreservesInputOrderAndFields(t *testing.T) {
	input := []Opportunity{
		{ID: "b", Title: "Second", MinimumAward: f(1)},
		{ID: "a", Title: "First", MinimumAward: f(2)},
	}
	content := []ContentEnhancement{
		{ID: "a", EnhancedDescription: "enhanced a"},
		{ID: "b", EnhancedDescription: "enhanced b"},
	}
	scoring := []ScoringResult{
		{ID: "b", RelevanceReasoning: "reason b"},
		{ID: "a", RelevanceReasoning: "reason a"},
	}

	merged := mergeAnalysisResults(input, content, scoring)

	require.Len(t, merged, 2)
	assert.Equal(t, "b", merged[0].ID)
	assert.Equal(t, "Second", merged[0].Title)
	assert.Equal(t, "enhanced b", merged[0].Content.EnhancedDescription)
	assert.Equal(t, "reason b", merged[0].RelevanceReasoning)

	assert.Equal(t, "a", merged[1].ID)
	assert.Equal(t, "First", merged[1].Title)
	assert.Equal(t, "enhanced a", merged[1].Content.EnhancedDescription)
	assert.Equal(t, "reason a", merged[1].RelevanceReasoning)
}

func TestMergeAnalysisResults_NilConcernsBecomeEmptySlice(t *testing.T) {
	input := []Opportunity{{ID: "a"}}
	content := []ContentEnhancement{{ID: "a"}}
	scoring := []ScoringResult{{ID: "a", Concerns: nil}}

	merged := mergeAnalysisResults(input, content, scoring)
	require.Len(t, merged, 1)
	assert.NotNil(t, merged[0].Concerns)
	assert.Empty(t, merged[0].Concerns)
}

func TestFallbackScoringResults(t *testing.T) {
	input := []Opportunity{{ID: "a"}, {ID: "b"}}

	fallback := fallbackScoringResults(input)

	require.Len(t, fallback, 2)
	for i, o := range input {
		assert.Equal(t, o.ID, fallback[i].ID)
		assert.Equal(t, Scoring{}, fallback[i].Scoring)
		assert.True(t, strings.Contains(fallback[i].RelevanceReasoning, "manual review required"))
		assert.Contains(t, fallback[i].Concerns, "Analysis failed - manual review required")
	}
}
