package funding

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// defaultTitleSimilarityLengthThreshold is the title length, in
// characters, that a title must exceed to take part in the title-only
// matching path; titlesSimilar also requires the shorter title of a
// containment match to be at least this long.
// Grounded on spec §4.2 / §8 boundary test ("length ≤ 10 with no ID
// match → NEW"). Overridable via DuplicateDetector's configured
// threshold (internal/config.PipelineConfig.DuplicateTitleLengthThreshold).
const defaultTitleSimilarityLengthThreshold = 10

// estimatedTokensPerBypass is the fixed per-opportunity token budget
// used to estimate tokens saved when a record bypasses LLM analysis.
const estimatedTokensPerBypass = 1500

// defaultStalenessWindowDays is the freshness boundary, in days: a
// persisted record not reviewed within this window is eligible for
// UPDATE even when the upstream timestamp is not newer. Overridable via
// internal/config.PipelineConfig.StalenessWindowDays.
const defaultStalenessWindowDays = 90

// DetectionMethod classifies how a match was established.
type DetectionMethod string

const (
	DetectionNoMatch      DetectionMethod = "no_match"
	DetectionIDValidation DetectionMethod = "id_validation"
	DetectionTitleOnly    DetectionMethod = "title_only"
)

// Confidence is the detector's confidence in a classification.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// UpdateCandidate pairs an upstream record with its persisted match and
// the reason the detector chose UPDATE.
type UpdateCandidate struct {
	APIRecord     Opportunity
	DBRecord      PersistedOpportunity
	Reason        string
	RawResponseID *string
}

// SkipCandidate pairs an upstream record with the reason it was skipped.
type SkipCandidate struct {
	Record Opportunity
	Reason string
}

// DuplicateMetrics summarizes one DuplicateDetector invocation.
type DuplicateMetrics struct {
	DetectionMethodCounts map[DetectionMethod]int `json:"detectionMethodCounts"`
	ConfidenceCounts      map[Confidence]int       `json:"confidenceCounts"`
	EstimatedTokensSaved  int                       `json:"estimatedTokensSaved"`
	DatabaseQueryCount    int                       `json:"databaseQueryCount"`
}

// DetectionResult is the partition produced by DuplicateDetector.Detect.
type DetectionResult struct {
	NewOpportunities  []Opportunity
	OpportunitiesToUpdate []UpdateCandidate
	OpportunitiesToSkip   []SkipCandidate
	Metrics           DuplicateMetrics
}

// DuplicateDetector decides NEW/UPDATE/SKIP for a chunk of incoming
// records via exactly two batched DB lookups, per spec §4.2.
type DuplicateDetector struct {
	db  bun.IDB
	log *slog.Logger

	titleLengthThreshold int
	stalenessWindow       time.Duration
}

// NewDuplicateDetector constructs a DuplicateDetector. titleLengthThreshold
// and stalenessWindowDays come from internal/config.PipelineConfig
// (DuplicateTitleLengthThreshold, StalenessWindowDays); a zero value
// falls back to the spec's defaults.
func NewDuplicateDetector(db bun.IDB, log *slog.Logger, titleLengthThreshold, stalenessWindowDays int) *DuplicateDetector {
	if titleLengthThreshold == 0 {
		titleLengthThreshold = defaultTitleSimilarityLengthThreshold
	}
	if stalenessWindowDays == 0 {
		stalenessWindowDays = defaultStalenessWindowDays
	}
	return &DuplicateDetector{
		db:                    db,
		log:                   log.With(logger.Scope("funding.duplicatedetector")),
		titleLengthThreshold:  titleLengthThreshold,
		stalenessWindow:       time.Duration(stalenessWindowDays) * 24 * time.Hour,
	}
}

// Detect partitions the input chunk into NEW, UPDATE, and SKIP sets.
// It performs exactly two database round-trips regardless of chunk
// size: one by id, one by title (for titles longer than the
// similarity threshold). A failure on either query degrades: the
// detector continues with whatever was fetched and logs the error, per
// spec §4.2 error semantics.
func (d *DuplicateDetector) Detect(ctx context.Context, sourceID string, input []Opportunity) (*DetectionResult, error) {
	result := &DetectionResult{
		Metrics: DuplicateMetrics{
			DetectionMethodCounts: make(map[DetectionMethod]int),
			ConfidenceCounts:      make(map[Confidence]int),
		},
	}

	ids := make([]string, 0, len(input))
	titles := make([]string, 0, len(input))
	for _, o := range input {
		ids = append(ids, o.ID)
		if len([]rune(strings.TrimSpace(o.Title))) > d.titleLengthThreshold {
			titles = append(titles, o.Title)
		}
	}

	byID, err := d.fetchByIDs(ctx, sourceID, ids)
	if err != nil {
		d.log.Warn("id lookup degraded", logger.Error(err))
		byID = nil
	}
	result.Metrics.DatabaseQueryCount++

	var byTitle []PersistedOpportunity
	if len(titles) > 0 {
		byTitle, err = d.fetchByTitles(ctx, sourceID, titles)
		if err != nil {
			d.log.Warn("title lookup degraded", logger.Error(err))
			byTitle = nil
		}
	}
	result.Metrics.DatabaseQueryCount++

	idIndex := make(map[string]PersistedOpportunity, len(byID))
	for _, p := range byID {
		idIndex[p.APIOpportunityID] = p
	}

	for _, o := range input {
		match, method, ok := d.classify(o, idIndex, byTitle)
		if !ok {
			result.NewOpportunities = append(result.NewOpportunities, o)
			result.Metrics.DetectionMethodCounts[DetectionNoMatch]++
			result.Metrics.ConfidenceCounts[ConfidenceHigh]++
			result.Metrics.EstimatedTokensSaved += 0 // NEW opportunities still require analysis
			continue
		}

		result.Metrics.DetectionMethodCounts[method]++
		switch method {
		case DetectionIDValidation:
			result.Metrics.ConfidenceCounts[ConfidenceHigh]++
		case DetectionTitleOnly:
			result.Metrics.ConfidenceCounts[ConfidenceMedium]++
		default:
			result.Metrics.ConfidenceCounts[ConfidenceLow]++
		}

		decision, reason := freshnessDecision(o.APIUpdatedAt, match.APIUpdatedAt, match.UpdatedAt, time.Now(), d.stalenessWindow)
		result.Metrics.EstimatedTokensSaved += estimatedTokensPerBypass

		switch decision {
		case PathUpdate:
			result.OpportunitiesToUpdate = append(result.OpportunitiesToUpdate, UpdateCandidate{
				APIRecord: o, DBRecord: match, Reason: reason, RawResponseID: match.RawResponseID,
			})
		default:
			result.OpportunitiesToSkip = append(result.OpportunitiesToSkip, SkipCandidate{Record: o, Reason: reason})
		}
	}

	return result, nil
}

// classify applies the ID-with-title-validation rule then the
// title-only rule, returning the matched record and the detection
// method if a valid match was found.
func (d *DuplicateDetector) classify(o Opportunity, idIndex map[string]PersistedOpportunity, titleCandidates []PersistedOpportunity) (PersistedOpportunity, DetectionMethod, bool) {
	if idMatch, ok := idIndex[o.ID]; ok {
		if d.titlesSimilar(o.Title, idMatch.Title) {
			return idMatch, DetectionIDValidation, true
		}
		// Title-collision false positive: fall through to no-match
		// classification (the ID hit is invalid), but title-only
		// matching may still apply against the separate candidate set.
	}

	if len([]rune(strings.TrimSpace(o.Title))) > d.titleLengthThreshold {
		for _, candidate := range titleCandidates {
			if d.titlesSimilar(o.Title, candidate.Title) {
				return candidate, DetectionTitleOnly, true
			}
		}
	}

	return PersistedOpportunity{}, DetectionNoMatch, false
}

// titlesSimilar implements the baseline similarity rule of spec §4.2:
// case-insensitive after trimming; equal, or one contains the other
// with the shorter at least as long as the configured threshold.
func (d *DuplicateDetector) titlesSimilar(a, b string) bool {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == nb {
		return true
	}
	shorter, longer := na, nb
	if len([]rune(longer)) < len([]rune(shorter)) {
		shorter, longer = longer, shorter
	}
	if len([]rune(shorter)) < d.titleLengthThreshold {
		return false
	}
	return strings.Contains(longer, shorter)
}

func normalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// freshnessDecision is the pure freshness function of spec §4.2/§9: a
// function of apiUpdatedAt (input), apiUpdatedAt (persisted), updatedAt
// (persisted), now, and the configured staleness window.
func freshnessDecision(apiUpdatedAtInput *time.Time, apiUpdatedAtDB *time.Time, updatedAtDB time.Time, now time.Time, stalenessWindow time.Duration) (PathType, string) {
	if apiUpdatedAtInput != nil && apiUpdatedAtDB != nil && apiUpdatedAtInput.After(*apiUpdatedAtDB) {
		return PathUpdate, "api_timestamp_newer"
	}

	if now.Sub(updatedAtDB) <= stalenessWindow {
		return PathSkip, "api_timestamp_not_newer"
	}
	return PathUpdate, "stale_review_90_days"
}

func (d *DuplicateDetector) fetchByIDs(ctx context.Context, sourceID string, ids []string) ([]PersistedOpportunity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []PersistedOpportunity
	err := d.db.NewSelect().
		Model(&rows).
		Where("source_id = ?", sourceID).
		Where("api_opportunity_id IN (?)", bun.In(ids)).
		Scan(ctx)
	return rows, err
}

// fetchByTitles fetches candidates whose title overlaps (in either
// containment direction) with any input title, approximating the
// substring-tolerant similarity rule in titlesSimilar at the database
// boundary. Still a single round-trip regardless of how many titles
// are supplied.
func (d *DuplicateDetector) fetchByTitles(ctx context.Context, sourceID string, titles []string) ([]PersistedOpportunity, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	var rows []PersistedOpportunity
	err := d.db.NewSelect().
		Model(&rows).
		Where("source_id = ?", sourceID).
		Where(`EXISTS (
			SELECT 1 FROM unnest(?::text[]) AS input_title
			WHERE fo.title ILIKE ('%' || input_title || '%')
			   OR input_title ILIKE ('%' || fo.title || '%')
		)`, titles).
		Scan(ctx)
	return rows, err
}
