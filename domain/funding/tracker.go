package funding

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// RunTracker records per-run, per-stage, and per-opportunity pipeline
// metrics, per spec §4.8. All writes are best-effort: failures are
// logged and never propagate to the caller, so the pipeline is never
// blocked by telemetry.
type RunTracker struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRunTracker constructs a RunTracker.
func NewRunTracker(db bun.IDB, log *slog.Logger) *RunTracker {
	return &RunTracker{db: db, log: log.With(logger.Scope("funding.runtracker"))}
}

// StartRun creates a PipelineRun row and returns it.
func (t *RunTracker) StartRun(ctx context.Context, sourceID string, configuration map[string]any) *PipelineRun {
	run := &PipelineRun{
		SourceID:      sourceID,
		Status:        "running",
		Configuration: configuration,
	}
	if _, err := t.db.NewInsert().Model(run).Returning("*").Exec(ctx); err != nil {
		t.log.Warn("failed to record pipeline run start", logger.Error(err))
	}
	return run
}

// CompleteRun finalizes a PipelineRun's totals and status.
func (t *RunTracker) CompleteRun(ctx context.Context, runID string, status string, totalExecutionMs int, processed, bypassedLLM, tokens, apiCalls int, costUsd float64) {
	_, err := t.db.NewUpdate().Model((*PipelineRun)(nil)).
		Set("status = ?", status).
		Set("completed_at = now()").
		Set("total_execution_ms = ?", totalExecutionMs).
		Set("opportunities_processed = ?", processed).
		Set("opportunities_bypassed_llm = ?", bypassedLLM).
		Set("total_tokens = ?", tokens).
		Set("total_api_calls = ?", apiCalls).
		Set("estimated_cost_usd = ?", costUsd).
		Where("id = ?", runID).
		Exec(ctx)
	if err != nil {
		t.log.Warn("failed to record pipeline run completion", slog.String("run_id", runID), logger.Error(err))
	}
}

// RecordStage writes one PipelineStage row.
func (t *RunTracker) RecordStage(ctx context.Context, stage *PipelineStage) {
	if _, err := t.db.NewInsert().Model(stage).Exec(ctx); err != nil {
		t.log.Warn("failed to record pipeline stage", slog.String("stage", stage.Name), logger.Error(err))
	}
}

// RecordPath writes one OpportunityProcessingPath row.
func (t *RunTracker) RecordPath(ctx context.Context, path *OpportunityProcessingPath) {
	if _, err := t.db.NewInsert().Model(path).Exec(ctx); err != nil {
		t.log.Warn("failed to record opportunity path",
			slog.String("api_opportunity_id", path.APIOpportunityID), logger.Error(err))
	}
}

// RecordDuplicateSession writes one DuplicateDetectionSession summary row.
func (t *RunTracker) RecordDuplicateSession(ctx context.Context, runID string, newCount, updateCount, skipCount int, metrics DuplicateMetrics) {
	session := &DuplicateDetectionSession{
		RunID:                runID,
		TotalInput:           newCount + updateCount + skipCount,
		NewCount:             newCount,
		UpdateCount:          updateCount,
		SkipCount:            skipCount,
		NoMatchCount:         metrics.DetectionMethodCounts[DetectionNoMatch],
		IDValidationCount:    metrics.DetectionMethodCounts[DetectionIDValidation],
		TitleOnlyCount:       metrics.DetectionMethodCounts[DetectionTitleOnly],
		EstimatedTokensSaved: metrics.EstimatedTokensSaved,
		DatabaseQueryCount:   metrics.DatabaseQueryCount,
	}
	if _, err := t.db.NewInsert().Model(session).Exec(ctx); err != nil {
		t.log.Warn("failed to record duplicate detection session", slog.String("run_id", runID), logger.Error(err))
	}
}
