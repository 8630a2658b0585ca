package funding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func f(v float64) *float64 { return &v }
func str(v string) *string { return &v }

func TestChangeDetector_MonetaryBoundary(t *testing.T) {
	d := NewChangeDetector()

	tests := []struct {
		name     string
		api      *float64
		db       *float64
		material bool
	}{
		{"both nil", nil, nil, false},
		{"api nil, db set", nil, f(100), true},
		{"db nil, api set", f(100), nil, true},
		{"both zero", f(0), f(0), false},
		{"api zero, db nonzero", f(0), f(100), true},
		{"exactly 5.0% delta is not material", f(525000), f(500000), false},
		{"4.9% delta is not material", f(524500), f(500000), false},
		{"5.1% delta is material", f(525500), f(500000), true},
		{"identical values", f(500000), f(500000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.monetaryMaterial(tt.api, tt.db)
			assert.Equal(t, tt.material, got)
		})
	}
}

func TestChangeDetector_IsMaterial_AmountChange(t *testing.T) {
	d := NewChangeDetector()

	api := Opportunity{
		MaximumAward: f(750000),
	}
	db := PersistedOpportunity{
		MaximumAward: f(500000),
	}

	assert.True(t, d.IsMaterial(api, db))
}

func TestChangeDetector_DateMaterial(t *testing.T) {
	d := NewChangeDetector()

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan1Evening := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)

	assert.False(t, d.IsMaterial(
		Opportunity{CloseDate: str("2024-01-01")},
		PersistedOpportunity{CloseDate: &jan1Evening},
	), "same calendar day should not be material despite different time-of-day")

	assert.True(t, d.IsMaterial(
		Opportunity{CloseDate: str("2024-01-02")},
		PersistedOpportunity{CloseDate: &jan1},
	))

	assert.True(t, d.IsMaterial(
		Opportunity{CloseDate: str("2024-01-01")},
		PersistedOpportunity{CloseDate: nil},
	))
}

func TestChangeDetector_StatusMaterial(t *testing.T) {
	d := NewChangeDetector()

	assert.False(t, d.statusMaterial(" Open ", "open"))
	assert.True(t, d.statusMaterial("Open", "Closed"))
}

func TestChangeDetector_DescriptionBoundary(t *testing.T) {
	d := NewChangeDetector()

	oldStr := string(rep('a', 100))

	// Exactly 20% longer (120 chars vs 100): not material (strict >).
	newExact := oldStr + string(rep('b', 20))
	assert.False(t, d.descriptionMaterial(newExact, oldStr))

	newOver := oldStr + string(rep('b', 21))
	assert.True(t, d.descriptionMaterial(newOver, oldStr))
}

func rep(r rune, n int) []rune {
	out := make([]rune, n)
	for i := range out {
		out[i] = r
	}
	return out
}

func TestChangeDetector_IsMaterial_NoChange(t *testing.T) {
	d := NewChangeDetector()

	closeDate := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	status := "Open"
	desc := "A grant for research"

	api := Opportunity{
		MinimumAward: f(10000),
		MaximumAward: f(500000),
		CloseDate:    str("2024-12-31"),
		Status:       "open",
		Description:  desc,
	}
	db := PersistedOpportunity{
		MinimumAward: f(10000),
		MaximumAward: f(500000),
		CloseDate:    &closeDate,
		Status:       &status,
		Description:  &desc,
	}

	assert.False(t, d.IsMaterial(api, db))
}
