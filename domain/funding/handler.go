package funding

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/internal/config"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/apperror"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// Handler exposes the operator HTTP surface described in spec §6:
// createTestJobs chunks a raw batch into processing_jobs under a new
// master run, and processNextJob drives the worker one job at a time
// on demand (for manual/ops-triggered runs alongside the background
// poller).
type Handler struct {
	db          bun.IDB
	sources     *FundingSourceRepository
	masterRuns  *MasterRunRepository
	queue       *JobQueue
	tracker     *RunTracker
	worker      *PipelineWorker
	chunkSize   int
	log         *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(db bun.IDB, sources *FundingSourceRepository, masterRuns *MasterRunRepository, queue *JobQueue, tracker *RunTracker, worker *PipelineWorker, cfg *config.Config, log *slog.Logger) *Handler {
	chunkSize := cfg.Pipeline.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 5
	}
	return &Handler{
		db:         db,
		sources:    sources,
		masterRuns: masterRuns,
		queue:      queue,
		tracker:    tracker,
		worker:     worker,
		chunkSize:  chunkSize,
		log:        log.With(logger.Scope("funding.handler")),
	}
}

// CreateTestJobs handles POST /pipeline/jobs: chunks the request's
// opportunities into ChunkSize-sized processing_jobs rows grouped under
// a fresh MasterRun/PipelineRun pair.
func (h *Handler) CreateTestJobs(c echo.Context) error {
	var req CreateJobsRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.SourceID == "" {
		return apperror.ErrBadRequest.WithMessage("sourceId is required")
	}
	if len(req.Opportunities) == 0 {
		return apperror.ErrBadRequest.WithMessage("opportunities must be non-empty")
	}

	ctx := c.Request().Context()

	run := h.tracker.StartRun(ctx, req.SourceID, map[string]any{"trigger": "operator"})

	masterRun, err := h.masterRuns.CreateWithPipelineRun(ctx, req.SourceID, run.ID)
	if err != nil {
		return err
	}

	totalChunks := (len(req.Opportunities) + h.chunkSize - 1) / h.chunkSize
	jobIDs := make([]string, 0, totalChunks)

	for i := 0; i < totalChunks; i++ {
		start := i * h.chunkSize
		end := start + h.chunkSize
		if end > len(req.Opportunities) {
			end = len(req.Opportunities)
		}

		job, err := h.queue.CreateJob(ctx, CreateJobParams{
			SourceID:    req.SourceID,
			MasterRunID: masterRun.ID,
			ChunkIndex:  i,
			TotalChunks: totalChunks,
			RawData:     req.Opportunities[start:end],
		})
		if err != nil {
			return err
		}
		jobIDs = append(jobIDs, job.ID)
	}

	return c.JSON(http.StatusCreated, CreateJobsResponse{
		MasterRunID:   masterRun.ID,
		PipelineRunID: run.ID,
		JobIDs:        jobIDs,
		TotalChunks:   totalChunks,
	})
}

// ProcessNextJob handles POST /pipeline/process-next: pops and drives
// one pending job through the full pipeline, synchronously, for
// operator-triggered or test-harness use outside the background poll loop.
func (h *Handler) ProcessNextJob(c echo.Context) error {
	outcome, err := h.worker.ProcessNextJob(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ProcessNextJobResponse{
		Processed:        outcome.Processed,
		JobID:            outcome.JobID,
		ChunkIndex:       outcome.ChunkIndex,
		TotalChunks:      outcome.TotalChunks,
		ProcessingTimeMs: outcome.ProcessingTimeMs,
		ItemsProcessed:   outcome.ItemsProcessed,
		Message:          outcome.Message,
	})
}

// QueueStats handles GET /pipeline/stats: current job-queue counts by status.
func (h *Handler) QueueStats(c echo.Context) error {
	stats, err := h.queue.GetStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, QueueStatsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
		DeadLetter: stats.DeadLetter,
	})
}

// ListDeadLetterJobs handles GET /pipeline/dead-letter: jobs that
// exhausted their retries, optionally filtered by sourceId.
func (h *Handler) ListDeadLetterJobs(c echo.Context) error {
	ctx := c.Request().Context()
	limit := 50
	offset := 0
	jobs, total, err := h.queue.GetDeadLetterJobs(ctx, c.QueryParam("sourceId"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DeadLetterJobsResponse{Jobs: jobs, Total: total})
}

// RetryDeadLetterJob handles POST /pipeline/dead-letter/:jobId/retry:
// resets a single dead-letter job back to pending for reprocessing.
func (h *Handler) RetryDeadLetterJob(c echo.Context) error {
	if err := h.queue.RetryDeadLetterJob(c.Request().Context(), c.Param("jobId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
