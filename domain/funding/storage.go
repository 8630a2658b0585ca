package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/apperror"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// uniqueViolationCode is the Postgres SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// StorageSource identifies the funding source an opportunity batch belongs to.
type StorageSource struct {
	ID   string
	Name string
}

// StorageMetrics summarizes one StorageStage.Store invocation.
type StorageMetrics struct {
	TotalProcessed      int    `json:"totalProcessed"`
	NewOpportunities    int    `json:"newOpportunities"`
	UpdatedOpportunities int   `json:"updatedOpportunities"`
	IgnoredOpportunities int   `json:"ignoredOpportunities"`
	DuplicatesFound     int    `json:"duplicatesFound"`
	Error               bool   `json:"error,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

// StorageResults is the frozen result set returned to the caller.
// Copies are handed out, never the internal slice, so the returned
// value is immutable from the caller's perspective (spec §4.6/§8).
type StorageResults struct {
	NewOpportunities []PersistedOpportunity `json:"newOpportunities"`
}

// StorageOutcome is the combined return of StorageStage.Store.
type StorageOutcome struct {
	Results        StorageResults
	Metrics        StorageMetrics
	ExecutionTime  time.Duration
}

// StorageStage writes analyzed, filtered opportunities to the
// relational store, per spec §4.6: per-opportunity idempotent
// insert/upsert, non-fatal geography processing, duplicate-key races
// counted as duplicates rather than failures.
type StorageStage struct {
	db          bun.IDB
	rawResponseID *string
	log         *slog.Logger
}

// NewStorageStage constructs a StorageStage.
func NewStorageStage(db bun.IDB, log *slog.Logger) *StorageStage {
	return &StorageStage{db: db, log: log.With(logger.Scope("funding.storagestage"))}
}

// Store persists opps for the given source. It never returns an error
// to the caller for per-item failures; instead, metrics.Error/ErrorMessage
// is set only when the source is missing or cannot be resolved (spec
// §4.6 "the stage never throws to its caller").
func (s *StorageStage) Store(ctx context.Context, opps []AnalyzedOpportunity, source StorageSource, rawResponseID *string, forceFullProcessing bool) StorageOutcome {
	start := time.Now()

	if source.ID == "" && source.Name == "" {
		return StorageOutcome{
			Metrics: StorageMetrics{Error: true, ErrorMessage: "source must have an id or name"},
			ExecutionTime: time.Since(start),
		}
	}

	sourceID, err := s.resolveOrCreateSource(ctx, source)
	if err != nil {
		return StorageOutcome{
			Metrics: StorageMetrics{Error: true, ErrorMessage: fmt.Sprintf("resolve funding source: %v", err)},
			ExecutionTime: time.Since(start),
		}
	}

	metrics := StorageMetrics{TotalProcessed: len(opps)}
	var stored []PersistedOpportunity

	for _, o := range opps {
		record := sanitizeOpportunity(o, sourceID, rawResponseID)

		persisted, created, err := s.writeOne(ctx, record, forceFullProcessing)
		switch {
		case isUniqueViolation(err):
			metrics.DuplicatesFound++
		case err != nil:
			s.log.Warn("storage write failed", slog.String("api_opportunity_id", o.ID), logger.Error(err))
			metrics.IgnoredOpportunities++
		case created:
			metrics.NewOpportunities++
			stored = append(stored, *persisted)
			s.processGeography(ctx, persisted.InternalID, o)
		default:
			metrics.UpdatedOpportunities++
			stored = append(stored, *persisted)
			s.processGeography(ctx, persisted.InternalID, o)
		}
	}

	// Hand back a copy: the caller can never observe a mutation of our
	// internal slice.
	frozen := make([]PersistedOpportunity, len(stored))
	copy(frozen, stored)

	return StorageOutcome{
		Results:       StorageResults{NewOpportunities: frozen},
		Metrics:       metrics,
		ExecutionTime: time.Since(start),
	}
}

// resolveOrCreateSource finds a funding source by name, creating it if
// absent. Existing non-null contact fields are never overwritten.
func (s *StorageStage) resolveOrCreateSource(ctx context.Context, source StorageSource) (string, error) {
	if source.ID != "" {
		return source.ID, nil
	}

	existing := new(FundingSource)
	err := s.db.NewSelect().Model(existing).Where("name = ?", source.Name).Scan(ctx)
	if err == nil {
		return existing.ID, nil
	}

	created := &FundingSource{Name: source.Name}
	if _, err := s.db.NewInsert().Model(created).
		On("CONFLICT (name) DO UPDATE SET updated_at = EXCLUDED.updated_at").
		Returning("*").Exec(ctx); err != nil {
		return "", err
	}
	return created.ID, nil
}

// writeOne inserts or upserts one sanitized record keyed by
// (sourceId, apiOpportunityId). Returns the persisted row and whether
// it was newly created. The upsert path always reports false, so Store
// counts every row written there as updated, including new rows.
func (s *StorageStage) writeOne(ctx context.Context, record *PersistedOpportunity, forceFullProcessing bool) (*PersistedOpportunity, bool, error) {
	insert := s.db.NewInsert().Model(record)
	if forceFullProcessing {
		// Upsert, but never touch the protected fields.
		insert = insert.On("CONFLICT (source_id, api_opportunity_id) DO UPDATE").
			Set("title = EXCLUDED.title").
			Set("description = EXCLUDED.description").
			Set("open_date = EXCLUDED.open_date").
			Set("close_date = EXCLUDED.close_date").
			Set("status = EXCLUDED.status").
			Set("minimum_award = EXCLUDED.minimum_award").
			Set("maximum_award = EXCLUDED.maximum_award").
			Set("total_funding_available = EXCLUDED.total_funding_available").
			Set("eligible_applicants = EXCLUDED.eligible_applicants").
			Set("funding_instrument_type = EXCLUDED.funding_instrument_type").
			Set("metadata = EXCLUDED.metadata").
			Set("scoring = EXCLUDED.scoring").
			Set("raw_response_id = EXCLUDED.raw_response_id").
			Set("api_updated_at = EXCLUDED.api_updated_at").
			Set("updated_at = now()")
		_, err := insert.Returning("*").Exec(ctx)
		return record, false, err
	}

	_, err := insert.Returning("*").Exec(ctx)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// processGeography writes state-eligibility rows. Failures here are
// logged but never fail the opportunity (spec §4.6 step 4).
func (s *StorageStage) processGeography(ctx context.Context, opportunityID string, o AnalyzedOpportunity) {
	states := extractStateCodes(o.Metadata)
	if len(states) == 0 {
		return
	}

	for _, code := range states {
		row := &StateEligibility{OpportunityID: opportunityID, StateCode: code}
		if _, err := s.db.NewInsert().Model(row).
			On("CONFLICT (opportunity_id, state_code) DO NOTHING").
			Exec(ctx); err != nil {
			s.log.Warn("geography processing failed", slog.String("opportunity_id", opportunityID), logger.Error(err))
		}
	}
}

func extractStateCodes(metadata map[string]any) []string {
	if metadata == nil {
		return nil
	}
	raw, ok := metadata["states"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	return out
}

// sanitizeOpportunity trims strings, drops empty strings, and maps the
// analyzed opportunity onto the persisted-row shape, per spec §4.6
// step 2. Scoring is written as-is, including nil, per the open
// question in spec §9: null scoring is never coerced to zero.
func sanitizeOpportunity(o AnalyzedOpportunity, sourceID string, rawResponseID *string) *PersistedOpportunity {
	title := strings.TrimSpace(o.Title)
	desc := strings.TrimSpace(o.Description)

	record := &PersistedOpportunity{
		FundingSourceID:  sourceID,
		APIOpportunityID: o.ID,
		Title:            title,
		Metadata:         o.Metadata,
		RawResponseID:    rawResponseID,
		APIUpdatedAt:     o.APIUpdatedAt,
	}

	if desc != "" {
		record.Description = &desc
	}
	if o.OpenDate != nil {
		if t, err := parseCalendarDay(*o.OpenDate); err == nil {
			record.OpenDate = &t
		}
	}
	if o.CloseDate != nil {
		if t, err := parseCalendarDay(*o.CloseDate); err == nil {
			record.CloseDate = &t
		}
	}
	if status := strings.TrimSpace(o.Status); status != "" {
		record.Status = &status
	}
	record.MinimumAward = o.MinimumAward
	record.MaximumAward = o.MaximumAward
	record.TotalFundingAvailable = o.TotalFundingAvailable
	record.EligibleApplicants = o.EligibleApplicants
	if fit := strings.TrimSpace(o.FundingInstrumentType); fit != "" {
		record.FundingInstrumentType = &fit
	}

	if o.Scoring != nil {
		record.Scoring = map[string]any{
			"clientRelevance":       o.Scoring.ClientRelevance,
			"projectRelevance":      o.Scoring.ProjectRelevance,
			"fundingAttractiveness": o.Scoring.FundingAttractiveness,
			"fundingType":           o.Scoring.FundingType,
			"overallScore":          o.Scoring.OverallScore,
		}
	}

	return record
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

// validateStorageInput rejects a nil opportunity slice and a source
// with neither an id nor a name, for callers that need to fail fast
// before invoking Store.
func validateStorageInput(opps []AnalyzedOpportunity, source StorageSource) error {
	if source.ID == "" && source.Name == "" {
		return apperror.ErrBadRequest.WithMessage("source must have an id or name")
	}
	if opps == nil {
		return apperror.ErrBadRequest.WithMessage("opportunities must be an ordered sequence")
	}
	return nil
}
