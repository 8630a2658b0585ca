package funding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/apperror"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// criticalFields names the six critical fields of spec §4.7 / §9. It is
// not consulted at run time: buildCriticalFieldPayload is what limits an
// update to these fields (under their column names), plus updated_at,
// api_updated_at and raw_response_id. Every other field — including the
// protected enhancedContent/adminNotes — is untouched.
var criticalFields = []string{
	"title", "minimumAward", "maximumAward", "totalFundingAvailable", "closeDate", "openDate",
}

// UpdateOutcome is the per-item result of DirectUpdateHandler.Process.
type UpdateOutcome struct {
	InternalID string
	Payload    map[string]any
	Reason     string
}

// UpdateFailure pairs an internal id with the error that aborted its update.
type UpdateFailure struct {
	InternalID string
	Err        error
}

// UpdateMetrics summarizes one DirectUpdateHandler.Process invocation.
type UpdateMetrics struct {
	TotalProcessed int           `json:"totalProcessed"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ExecutionTime  time.Duration `json:"executionTime"`
}

// UpdateResult is the return shape of DirectUpdateHandler.Process.
type UpdateResult struct {
	Successful []UpdateOutcome
	Failed     []UpdateFailure
	Skipped    []UpdateOutcome
	Metrics    UpdateMetrics
}

// DirectUpdateHandler applies critical-field-only updates to records
// classified UPDATE by DuplicateDetector, per spec §4.7.
type DirectUpdateHandler struct {
	db  bun.IDB
	log *slog.Logger
}

// NewDirectUpdateHandler constructs a DirectUpdateHandler.
func NewDirectUpdateHandler(db bun.IDB, log *slog.Logger) *DirectUpdateHandler {
	return &DirectUpdateHandler{db: db, log: log.With(logger.Scope("funding.directupdatehandler"))}
}

// Process applies an isolated, atomic critical-field update per
// candidate. A mismatch between input count and processed count is an
// IntegrityViolation and aborts the whole batch (spec §4.7).
func (h *DirectUpdateHandler) Process(ctx context.Context, candidates []UpdateCandidate) (*UpdateResult, error) {
	start := time.Now()
	result := &UpdateResult{}

	for _, candidate := range candidates {
		outcome, err := h.processOne(ctx, candidate)
		switch {
		case err != nil:
			result.Failed = append(result.Failed, UpdateFailure{InternalID: candidate.DBRecord.InternalID, Err: err})
		case outcome.Reason == "no_valid_updates":
			result.Skipped = append(result.Skipped, outcome)
		default:
			result.Successful = append(result.Successful, outcome)
		}
	}

	processed := len(result.Successful) + len(result.Failed) + len(result.Skipped)
	if processed != len(candidates) {
		return nil, apperror.ErrIntegrityViolation.WithMessage(
			fmt.Sprintf("DirectUpdate failed to process all opportunities: %d in, %d processed", len(candidates), processed))
	}

	result.Metrics = UpdateMetrics{
		TotalProcessed: len(candidates),
		Successful:     len(result.Successful),
		Failed:         len(result.Failed),
		Skipped:        len(result.Skipped),
		ExecutionTime:  time.Since(start),
	}
	return result, nil
}

// processOne builds the update payload for a single candidate and, if
// any critical field qualifies, issues the atomic update.
func (h *DirectUpdateHandler) processOne(ctx context.Context, candidate UpdateCandidate) (UpdateOutcome, error) {
	payload := buildCriticalFieldPayload(candidate.APIRecord, candidate.DBRecord)

	if len(payload) == 0 {
		return UpdateOutcome{InternalID: candidate.DBRecord.InternalID, Reason: "no_valid_updates"}, nil
	}

	payload["updated_at"] = time.Now()
	if candidate.APIRecord.APIUpdatedAt != nil {
		payload["api_updated_at"] = *candidate.APIRecord.APIUpdatedAt
	}
	if candidate.RawResponseID != nil {
		payload["raw_response_id"] = *candidate.RawResponseID
	}

	q := h.db.NewUpdate().Model((*PersistedOpportunity)(nil)).Where("id = ?", candidate.DBRecord.InternalID)
	for col, val := range payload {
		q = q.Set("? = ?", bun.Ident(col), val)
	}

	if _, err := q.Exec(ctx); err != nil {
		return UpdateOutcome{}, err
	}

	return UpdateOutcome{InternalID: candidate.DBRecord.InternalID, Payload: payload}, nil
}

// buildCriticalFieldPayload implements the §4.7 per-field inclusion
// policy: include iff the api value is non-null/non-empty and differs
// from the persisted value under the field's normalization rule.
func buildCriticalFieldPayload(api Opportunity, db PersistedOpportunity) map[string]any {
	payload := make(map[string]any)

	if api.Title != "" && api.Title != db.Title {
		payload["title"] = api.Title
	}

	if v, ok := amountDiffers(api.MinimumAward, db.MinimumAward); ok {
		payload["minimum_award"] = v
	}
	if v, ok := amountDiffers(api.MaximumAward, db.MaximumAward); ok {
		payload["maximum_award"] = v
	}
	if v, ok := amountDiffers(api.TotalFundingAvailable, db.TotalFundingAvailable); ok {
		payload["total_funding_available"] = v
	}

	if v, ok := dateDiffers(api.CloseDate, db.CloseDate); ok {
		payload["close_date"] = v
	}
	if v, ok := dateDiffers(api.OpenDate, db.OpenDate); ok {
		payload["open_date"] = v
	}

	return payload
}

// amountDiffers returns (value, true) when the api amount is present
// and numerically differs from the persisted amount.
func amountDiffers(apiVal, dbVal *float64) (float64, bool) {
	if apiVal == nil {
		return 0, false
	}
	if dbVal == nil {
		return *apiVal, true
	}
	if *apiVal == *dbVal {
		return 0, false
	}
	return *apiVal, true
}

// dateDiffers returns (value, true) when the api date string is present
// and differs from the persisted date by calendar day.
func dateDiffers(apiVal *string, dbVal *time.Time) (time.Time, bool) {
	if apiVal == nil || strings.TrimSpace(*apiVal) == "" {
		return time.Time{}, false
	}
	parsed, err := parseCalendarDay(*apiVal)
	if err != nil {
		return time.Time{}, false
	}
	if dbVal == nil {
		return parsed, true
	}
	dbDay := time.Date(dbVal.Year(), dbVal.Month(), dbVal.Day(), 0, 0, 0, 0, time.UTC)
	if parsed.Equal(dbDay) {
		return time.Time{}, false
	}
	return parsed, true
}
