package funding

import (
	"math"
	"strings"
	"time"
)

// ChangeDetector decides whether the difference between an upstream
// record and its persisted counterpart is material, per spec §4.3. It
// holds no state and is safe for concurrent use.
type ChangeDetector struct{}

// NewChangeDetector constructs a ChangeDetector.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// IsMaterial returns true if any field policy below finds a material
// difference between the upstream record and the persisted record.
func (d *ChangeDetector) IsMaterial(api Opportunity, db PersistedOpportunity) bool {
	if d.monetaryMaterial(api.MinimumAward, db.MinimumAward) {
		return true
	}
	if d.monetaryMaterial(api.MaximumAward, db.MaximumAward) {
		return true
	}
	if d.monetaryMaterial(api.TotalFundingAvailable, db.TotalFundingAvailable) {
		return true
	}
	if d.dateMaterial(api.OpenDate, timePtrToISOPtr(db.OpenDate)) {
		return true
	}
	if d.dateMaterial(api.CloseDate, timePtrToISOPtr(db.CloseDate)) {
		return true
	}
	if d.statusMaterial(api.Status, derefString(db.Status)) {
		return true
	}
	if d.descriptionMaterial(api.Description, derefString(db.Description)) {
		return true
	}
	return false
}

// monetaryMaterial implements the §4.3 monetary field policy: both
// null → false; one null → true; both zero → false; one zero → true;
// non-finite → true; otherwise a relative delta strictly greater than
// 5% is material (5.0% exactly is not).
func (d *ChangeDetector) monetaryMaterial(newVal, oldVal *float64) bool {
	if newVal == nil && oldVal == nil {
		return false
	}
	if newVal == nil || oldVal == nil {
		return true
	}

	n, o := *newVal, *oldVal
	if math.IsNaN(n) || math.IsInf(n, 0) || math.IsNaN(o) || math.IsInf(o, 0) {
		return true
	}
	if n == 0 && o == 0 {
		return false
	}
	if (n == 0) != (o == 0) {
		return true
	}

	delta := math.Abs(n-o) / math.Abs(o)
	return delta > 0.05
}

// dateMaterial compares two ISO-8601 date/datetime strings by calendar
// day, ignoring time-of-day.
func (d *ChangeDetector) dateMaterial(newVal, oldVal *string) bool {
	if newVal == nil && oldVal == nil {
		return false
	}
	if newVal == nil || oldVal == nil {
		return true
	}

	nd, nErr := parseCalendarDay(*newVal)
	od, oErr := parseCalendarDay(*oldVal)
	if nErr != nil || oErr != nil {
		return strings.TrimSpace(*newVal) != strings.TrimSpace(*oldVal)
	}
	return !nd.Equal(od)
}

// statusMaterial compares statuses case-insensitively after trimming whitespace.
func (d *ChangeDetector) statusMaterial(newVal, oldVal string) bool {
	return !strings.EqualFold(strings.TrimSpace(newVal), strings.TrimSpace(oldVal))
}

// descriptionMaterial is material when the length delta relative to
// the old description's length strictly exceeds 20%.
func (d *ChangeDetector) descriptionMaterial(newVal, oldVal string) bool {
	newLen := len([]rune(newVal))
	oldLen := len([]rune(oldVal))

	denom := oldLen
	if denom == 0 {
		denom = 1
	}

	delta := math.Abs(float64(newLen-oldLen)) / float64(denom)
	return delta > 0.20
}

// parseCalendarDay parses an ISO-8601 date or datetime string and
// truncates it to a calendar day in UTC.
func parseCalendarDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func timePtrToISOPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
