package funding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func tp(t time.Time) *time.Time { return &t }

func TestFreshnessDecision_APITimestampNewer(t *testing.T) {
	dbUpdated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apiDB := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apiInput := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

	decision, reason := freshnessDecision(tp(apiInput), tp(apiDB), dbUpdated, now, 90*24*time.Hour)
	assert.Equal(t, PathUpdate, decision)
	assert.Equal(t, "api_timestamp_newer", reason)
}

func TestFreshnessDecision_RecentlyReviewedSkip(t *testing.T) {
	// Scenario 2 from spec §8: updatedAt 3 days ago, same apiUpdatedAt.
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0.AddDate(0, 0, 3)

	decision, reason := freshnessDecision(tp(t0), tp(t0), now.AddDate(0, 0, -3), now, 90*24*time.Hour)
	assert.Equal(t, PathSkip, decision)
	assert.Equal(t, "api_timestamp_not_newer", reason)
}

func TestFreshnessDecision_StaleReviewWindow(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dbUpdated := t0
	now := t0.AddDate(0, 0, 91)

	decision, reason := freshnessDecision(tp(t0), tp(t0), dbUpdated, now, 90*24*time.Hour)
	assert.Equal(t, PathUpdate, decision)
	assert.Equal(t, "stale_review_90_days", reason)
}

func TestFreshnessDecision_BoundaryExactly90Days(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0.AddDate(0, 0, 90)

	decision, _ := freshnessDecision(tp(t0), tp(t0), t0, now, 90*24*time.Hour)
	assert.Equal(t, PathSkip, decision, "exactly 90 days is still within the staleness window")
}

func TestTitlesSimilar(t *testing.T) {
	d := NewDuplicateDetector(nil, discardLogger(), 0, 0)

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"exact match case-insensitive", "Federal Research Grant", "federal research grant", true},
		{"whitespace tolerant", "Federal  Research Grant", "Federal Research Grant", true},
		{"substring containment, shorter long enough", "Federal Research Grant 2024", "Federal Research Grant", true},
		{"short title below threshold not matched by containment", "Grant A", "Grant", false},
		{"unrelated titles", "Federal Research Grant", "State Infrastructure Fund", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.titlesSimilar(tt.a, tt.b))
		})
	}
}

func TestClassify_TitleCollisionFalsePositive(t *testing.T) {
	d := NewDuplicateDetector(nil, discardLogger(), 0, 0)

	idIndex := map[string]PersistedOpportunity{
		"EXT-1": {APIOpportunityID: "EXT-1", Title: "Completely Different Program"},
	}

	_, method, ok := d.classify(Opportunity{ID: "EXT-1", Title: "Federal Research Grant"}, idIndex, nil)
	assert.False(t, ok)
	assert.Equal(t, DetectionNoMatch, method)
}

func TestClassify_IDValidatedMatch(t *testing.T) {
	d := NewDuplicateDetector(nil, discardLogger(), 0, 0)

	idIndex := map[string]PersistedOpportunity{
		"EXT-1": {APIOpportunityID: "EXT-1", Title: "Federal Research Grant"},
	}

	match, method, ok := d.classify(Opportunity{ID: "EXT-1", Title: "federal research grant"}, idIndex, nil)
	assert.True(t, ok)
	assert.Equal(t, DetectionIDValidation, method)
	assert.Equal(t, "EXT-1", match.APIOpportunityID)
}

func TestClassify_TitleOnlyMatch(t *testing.T) {
	d := NewDuplicateDetector(nil, discardLogger(), 0, 0)

	titleCandidates := []PersistedOpportunity{
		{APIOpportunityID: "EXT-2", Title: "Federal Research Grant"},
	}

	match, method, ok := d.classify(Opportunity{ID: "EXT-NEW", Title: "Federal Research Grant"}, nil, titleCandidates)
	assert.True(t, ok)
	assert.Equal(t, DetectionTitleOnly, method)
	assert.Equal(t, "EXT-2", match.APIOpportunityID)
}

func TestClassify_ShortTitleNoMatchIsNew(t *testing.T) {
	d := NewDuplicateDetector(nil, discardLogger(), 0, 0)

	// Title length <= 10, no ID match: must be NEW regardless of title candidates.
	titleCandidates := []PersistedOpportunity{
		{APIOpportunityID: "EXT-2", Title: "Short Biz"},
	}

	_, method, ok := d.classify(Opportunity{ID: "EXT-NEW", Title: "Short Biz"}, nil, titleCandidates)
	assert.False(t, ok)
	assert.Equal(t, DetectionNoMatch, method)
}
