package funding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildCriticalFieldPayload_NoChanges(t *testing.T) {
	closeDate := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	api := Opportunity{
		Title:        "Federal Research Grant",
		MinimumAward: f(10000),
		MaximumAward: f(500000),
		CloseDate:    str("2024-12-31"),
	}
	db := PersistedOpportunity{
		Title:        "Federal Research Grant",
		MinimumAward: f(10000),
		MaximumAward: f(500000),
		CloseDate:    &closeDate,
	}

	payload := buildCriticalFieldPayload(api, db)
	assert.Empty(t, payload, "identical critical fields should produce no_valid_updates")
}

func TestBuildCriticalFieldPayload_AmountChangeOnly(t *testing.T) {
	// Scenario 3 from spec §8.
	api := Opportunity{
		Title:        "Federal Research Grant",
		MinimumAward: f(10000),
		MaximumAward: f(750000),
	}
	db := PersistedOpportunity{
		Title:        "Federal Research Grant",
		MinimumAward: f(10000),
		MaximumAward: f(500000),
	}

	payload := buildCriticalFieldPayload(api, db)

	assert.Equal(t, 750000.0, payload["maximum_award"])
	_, hasMin := payload["minimum_award"]
	assert.False(t, hasMin, "minimumAward must be absent from the payload when unchanged")
}

func TestBuildCriticalFieldPayload_EmptyStringTreatedAsAbsent(t *testing.T) {
	api := Opportunity{Title: ""}
	db := PersistedOpportunity{Title: "Existing Title"}

	payload := buildCriticalFieldPayload(api, db)
	_, hasTitle := payload["title"]
	assert.False(t, hasTitle)
}

func TestBuildCriticalFieldPayload_OnlyCriticalKeys(t *testing.T) {
	api := Opportunity{
		Title:        "New Title",
		MinimumAward: f(1),
		MaximumAward: f(2),
	}
	db := PersistedOpportunity{
		Title:        "Old Title",
		MinimumAward: f(10),
		MaximumAward: f(20),
	}

	allowed := map[string]bool{
		"title": true, "minimum_award": true, "maximum_award": true,
		"total_funding_available": true, "close_date": true, "open_date": true,
	}

	payload := buildCriticalFieldPayload(api, db)
	for k := range payload {
		assert.True(t, allowed[k], "unexpected key %q in critical-field payload", k)
	}
}

func TestAmountDiffers(t *testing.T) {
	tests := []struct {
		name   string
		api    *float64
		db     *float64
		want   bool
		result float64
	}{
		{"api nil", nil, f(1), false, 0},
		{"db nil, api set", f(5), nil, true, 5},
		{"equal", f(5), f(5), false, 0},
		{"different", f(5), f(6), true, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := amountDiffers(tt.api, tt.db)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, tt.result, got)
			}
		})
	}
}

func TestDateDiffers(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	dayEvening := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)

	_, ok := dateDiffers(str("2024-06-01"), &dayEvening)
	assert.False(t, ok, "same calendar day ignoring time-of-day")

	v, ok := dateDiffers(str("2024-06-02"), &day)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), v)

	_, ok = dateDiffers(nil, &day)
	assert.False(t, ok)

	_, ok = dateDiffers(str(""), &day)
	assert.False(t, ok)
}
