package funding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/apperror"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// JobQueue is the durable FIFO queue of ChunkJobs described in spec §4.1.
// It is backed by Postgres and uses FOR UPDATE SKIP LOCKED so that
// multiple worker processes can dequeue concurrently without an
// in-process lock.
type JobQueue struct {
	db  bun.IDB
	log *slog.Logger
}

// NewJobQueue creates a JobQueue over the given database handle.
func NewJobQueue(db bun.IDB, log *slog.Logger) *JobQueue {
	return &JobQueue{db: db, log: log.With(logger.Scope("funding.jobqueue"))}
}

// CreateJobParams holds the arguments to CreateJob.
type CreateJobParams struct {
	SourceID         string
	MasterRunID      string
	ChunkIndex       int
	TotalChunks      int
	RawData          any
	ProcessingConfig any
	MaxRetries       int
}

// CreateJob enqueues a new ChunkJob. Returns ErrConstraint (wrapped) if
// chunkIndex/totalChunks are out of range, or if the FK references are
// unknown (surfaced unchanged from the database).
func (q *JobQueue) CreateJob(ctx context.Context, p CreateJobParams) (*ChunkJob, error) {
	if p.ChunkIndex < 0 || p.ChunkIndex >= p.TotalChunks {
		return nil, apperror.ErrConstraint.WithMessage(
			fmt.Sprintf("chunkIndex %d out of range for totalChunks %d", p.ChunkIndex, p.TotalChunks))
	}
	if p.TotalChunks <= 0 {
		return nil, apperror.ErrConstraint.WithMessage("totalChunks must be >= 1")
	}

	rawData, err := json.Marshal(p.RawData)
	if err != nil {
		return nil, fmt.Errorf("marshal raw data: %w", err)
	}
	cfg, err := json.Marshal(p.ProcessingConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal processing config: %w", err)
	}

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	job := &ChunkJob{
		SourceID:         p.SourceID,
		MasterRunID:      p.MasterRunID,
		ChunkIndex:       p.ChunkIndex,
		TotalChunks:      p.TotalChunks,
		RawData:          rawData,
		ProcessingConfig: cfg,
		Status:           JobPending,
		MaxRetries:       maxRetries,
	}

	_, err = q.db.NewInsert().Model(job).Returning("*").Exec(ctx)
	if err != nil {
		// Foreign-key violations at create time propagate unchanged (spec §4.1).
		return nil, err
	}

	return job, nil
}

// GetNextPendingJob atomically claims the oldest pending job (FIFO by
// created_at, ties broken by id) and transitions it to processing in
// the same transaction, giving at-most-once delivery across concurrent
// workers via SKIP LOCKED.
func (q *JobQueue) GetNextPendingJob(ctx context.Context) (*ChunkJob, error) {
	job := new(ChunkJob)

	err := q.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(job).
			Where("status = ?", JobPending).
			OrderExpr("created_at ASC, id ASC").
			Limit(1).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		job.Status = JobProcessing
		job.StartedAt = &now
		job.UpdatedAt = now

		_, err = tx.NewUpdate().
			Model((*ChunkJob)(nil)).
			Set("status = ?", JobProcessing).
			Set("started_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", job.ID).
			Where("status = ?", JobPending).
			Exec(ctx)
		return err
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return job, nil
}

// UpdateStatusOptions carries the optional fields accompanying a status change.
type UpdateStatusOptions struct {
	ProcessingTimeMs *int
	TokensUsed       *int
	EstimatedCostUsd *float64
	ErrorDetails     any
}

// UpdateJobStatus transitions a job and writes the lifecycle timestamps
// per spec §4.1. A transition to "retrying" (modeled as a pending
// transition with retryCount+1) resets started_at/completed_at/error
// and clears the prior error.
func (q *JobQueue) UpdateJobStatus(ctx context.Context, jobID string, newStatus JobStatus, opts UpdateStatusOptions) (*ChunkJob, error) {
	now := time.Now()
	upd := q.db.NewUpdate().Model((*ChunkJob)(nil)).Where("id = ?", jobID)

	switch newStatus {
	case JobCompleted:
		upd = upd.Set("status = ?", JobCompleted).Set("completed_at = ?", now)
	case JobFailed:
		upd = upd.Set("status = ?", JobFailed).Set("completed_at = ?", now)
	case JobProcessing:
		upd = upd.Set("status = ?", JobProcessing).Set("started_at = ?", now)
	case JobPending:
		// "Retrying": clears timestamps/error and bumps retry_count.
		upd = upd.Set("status = ?", JobPending).
			Set("started_at = NULL").
			Set("completed_at = NULL").
			Set("error_details = NULL").
			Set("retry_count = retry_count + 1")
	default:
		upd = upd.Set("status = ?", newStatus)
	}

	if opts.ProcessingTimeMs != nil {
		upd = upd.Set("processing_time_ms = ?", *opts.ProcessingTimeMs)
	}
	if opts.TokensUsed != nil {
		upd = upd.Set("tokens_used = ?", *opts.TokensUsed)
	}
	if opts.EstimatedCostUsd != nil {
		upd = upd.Set("estimated_cost_usd = ?", *opts.EstimatedCostUsd)
	}
	if opts.ErrorDetails != nil {
		b, err := json.Marshal(opts.ErrorDetails)
		if err != nil {
			return nil, fmt.Errorf("marshal error details: %w", err)
		}
		upd = upd.Set("error_details = ?", b)
	}

	upd = upd.Set("updated_at = ?", now)

	if _, err := upd.Returning("*").Exec(ctx); err != nil {
		return nil, err
	}

	job := new(ChunkJob)
	if err := q.db.NewSelect().Model(job).Where("id = ?", jobID).Scan(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobsByMasterRun returns all jobs for a master run, ordered by chunk index.
func (q *JobQueue) GetJobsByMasterRun(ctx context.Context, masterRunID string) ([]*ChunkJob, error) {
	var jobs []*ChunkJob
	err := q.db.NewSelect().
		Model(&jobs).
		Where("master_run_id = ?", masterRunID).
		OrderExpr("chunk_index ASC").
		Scan(ctx)
	return jobs, err
}

// MasterRunProgress summarizes a MasterRun's ChunkJobs.
type MasterRunProgress struct {
	TotalJobs         int                 `json:"totalJobs"`
	StatusCounts      map[JobStatus]int   `json:"statusCounts"`
	CompletionPct     float64             `json:"completionPct"`
	IsComplete        bool                `json:"isComplete"`
	HasFailures       bool                `json:"hasFailures"`
	AggregatedMetrics AggregatedJobMetrics `json:"aggregatedMetrics"`
}

// AggregatedJobMetrics sums metrics across a MasterRun's jobs.
type AggregatedJobMetrics struct {
	TotalProcessingTimeMs int     `json:"totalProcessingTimeMs"`
	TotalTokensUsed       int     `json:"totalTokensUsed"`
	TotalEstimatedCostUsd float64 `json:"totalEstimatedCostUsd"`
}

// GetMasterRunProgress aggregates status counts and metrics for a master run.
func (q *JobQueue) GetMasterRunProgress(ctx context.Context, masterRunID string) (*MasterRunProgress, error) {
	jobs, err := q.GetJobsByMasterRun(ctx, masterRunID)
	if err != nil {
		return nil, err
	}

	progress := &MasterRunProgress{
		TotalJobs:    len(jobs),
		StatusCounts: make(map[JobStatus]int),
	}

	completed := 0
	for _, j := range jobs {
		progress.StatusCounts[j.Status]++
		if j.Status == JobCompleted {
			completed++
		}
		if j.Status == JobFailed || j.Status == JobDeadLetter {
			progress.HasFailures = true
		}
		if j.ProcessingTimeMs != nil {
			progress.AggregatedMetrics.TotalProcessingTimeMs += *j.ProcessingTimeMs
		}
		if j.TokensUsed != nil {
			progress.AggregatedMetrics.TotalTokensUsed += *j.TokensUsed
		}
		if j.EstimatedCostUsd != nil {
			progress.AggregatedMetrics.TotalEstimatedCostUsd += *j.EstimatedCostUsd
		}
	}

	if progress.TotalJobs > 0 {
		progress.CompletionPct = float64(completed) / float64(progress.TotalJobs) * 100
	}
	progress.IsComplete = progress.TotalJobs > 0 && completed == progress.TotalJobs

	return progress, nil
}

// RetryFailedJobs resets failed jobs with retryCount < maxRetries back
// to pending, per spec §4.1. Jobs at the retry ceiling are left failed
// (terminal).
func (q *JobQueue) RetryFailedJobs(ctx context.Context, maxRetries int) ([]*ChunkJob, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var candidates []*ChunkJob
	err := q.db.NewSelect().
		Model(&candidates).
		Where("status = ?", JobFailed).
		Where("retry_count < ?", maxRetries).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	retried := make([]*ChunkJob, 0, len(candidates))
	for _, job := range candidates {
		updated, err := q.UpdateJobStatus(ctx, job.ID, JobPending, UpdateStatusOptions{})
		if err != nil {
			q.log.Warn("failed to reset job for retry", slog.String("job_id", job.ID), logger.Error(err))
			continue
		}
		retried = append(retried, updated)
	}

	return retried, nil
}

// MoveExhaustedToDeadLetter moves failed jobs that have reached
// maxRetries to the dead_letter terminal state, per the supplemented
// dead-letter surface in SPEC_FULL.md §E.1.
func (q *JobQueue) MoveExhaustedToDeadLetter(ctx context.Context) (int, error) {
	res, err := q.db.NewUpdate().
		Model((*ChunkJob)(nil)).
		Set("status = ?", JobDeadLetter).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", JobFailed).
		Where("retry_count >= max_retries").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetDeadLetterJobs lists jobs in the terminal dead_letter state for a
// source, newest first. Grounded on the teacher's
// domain/datasource.JobsService.ListDeadLetterJobs.
func (q *JobQueue) GetDeadLetterJobs(ctx context.Context, sourceID string, limit, offset int) ([]*ChunkJob, int, error) {
	var jobs []*ChunkJob

	sel := q.db.NewSelect().Model(&jobs).Where("status = ?", JobDeadLetter)
	if sourceID != "" {
		sel = sel.Where("source_id = ?", sourceID)
	}

	count, err := sel.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	if err := sel.OrderExpr("updated_at DESC").Limit(limit).Offset(offset).Scan(ctx); err != nil {
		return nil, 0, err
	}
	return jobs, count, nil
}

// RetryDeadLetterJob moves one dead-letter job back to pending with its
// retry count reset, for manual operator-triggered recovery. Grounded
// on the teacher's JobsService.RetryDeadLetterJob.
func (q *JobQueue) RetryDeadLetterJob(ctx context.Context, jobID string) error {
	res, err := q.db.NewUpdate().
		Model((*ChunkJob)(nil)).
		Set("status = ?", JobPending).
		Set("retry_count = 0").
		Set("error_details = NULL").
		Set("started_at = NULL").
		Set("completed_at = NULL").
		Set("updated_at = ?", time.Now()).
		Where("id = ?", jobID).
		Where("status = ?", JobDeadLetter).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.ErrNotFound.WithMessage(fmt.Sprintf("dead-letter job %s not found", jobID))
	}
	return nil
}

// PurgeDeadLetterJobs deletes dead-letter jobs last updated before the
// cutoff, returning the count removed. Grounded on the teacher's
// JobsService.PurgeDeadLetterJobs.
func (q *JobQueue) PurgeDeadLetterJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := q.db.NewDelete().
		Model((*ChunkJob)(nil)).
		Where("status = ?", JobDeadLetter).
		Where("updated_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverStaleJobs resets jobs stuck in "processing" for longer than
// staleAfter back to pending. Grounded on the teacher's
// internal/jobs.Queue.RecoverStaleJobs.
func (q *JobQueue) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	cutoff := time.Now().Add(-staleAfter)

	res, err := q.db.NewUpdate().
		Model((*ChunkJob)(nil)).
		Set("status = ?", JobPending).
		Set("started_at = NULL").
		Set("updated_at = ?", time.Now()).
		Where("status = ?", JobProcessing).
		Where("started_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Warn("recovered stale jobs", slog.Int64("count", n))
	}
	return int(n), nil
}

// CleanupOldJobs deletes completed jobs older than olderThanDays. Returns
// the number of rows deleted.
func (q *JobQueue) CleanupOldJobs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	res, err := q.db.NewDelete().
		Model((*ChunkJob)(nil)).
		Where("status = ?", JobCompleted).
		Where("completed_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueStats summarizes job counts by status, mirroring the teacher's
// internal/jobs.Stats shape.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"deadLetter"`
}

// GetStats returns queue-wide status counts.
func (q *JobQueue) GetStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	err := q.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'dead_letter') AS dead_letter
		FROM processing_jobs
	`).Scan(ctx, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.DeadLetter)
	return stats, err
}
