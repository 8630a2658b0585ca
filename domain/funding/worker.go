package funding

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// PipelineWorkerConfig configures the background polling worker, grounded
// on internal/jobs.WorkerConfig.
type PipelineWorkerConfig struct {
	Name                  string
	PollInterval          time.Duration
	StaleThresholdMinutes int
	RecoverStaleOnStart   bool
	RetentionDays         int
	CleanupInterval       time.Duration
}

// DefaultPipelineWorkerConfig returns sane defaults.
func DefaultPipelineWorkerConfig(name string) PipelineWorkerConfig {
	return PipelineWorkerConfig{
		Name:                  name,
		PollInterval:          5 * time.Second,
		StaleThresholdMinutes: 10,
		RecoverStaleOnStart:   true,
		RetentionDays:         30,
		CleanupInterval:       1 * time.Hour,
	}
}

// PipelineWorker is the background polling worker that drives one
// ChunkJob at a time through the pipeline: pop job (C1) → duplicate
// detect (C2) → branch on path → DirectUpdateHandler (C7) or
// AnalysisCoordinator (C4) → FilterStage (C5) → StorageStage (C6),
// emitting into RunTracker (C8) at every transition. Grounded on
// internal/jobs.Worker's polling-loop/graceful-shutdown pattern.
type PipelineWorker struct {
	config PipelineWorkerConfig
	log    *slog.Logger

	queue        *JobQueue
	masterRuns   *MasterRunRepository
	duplicates   *DuplicateDetector
	changes      *ChangeDetector
	analysis     *AnalysisCoordinator
	filter       *FilterStage
	filterConfig FilterConfig
	storage      *StorageStage
	updater      *DirectUpdateHandler
	tracker      *RunTracker

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	wg        sync.WaitGroup
}

// NewPipelineWorker wires together all eight pipeline components.
func NewPipelineWorker(
	config PipelineWorkerConfig,
	log *slog.Logger,
	queue *JobQueue,
	masterRuns *MasterRunRepository,
	duplicates *DuplicateDetector,
	changes *ChangeDetector,
	analysis *AnalysisCoordinator,
	filter *FilterStage,
	filterConfig FilterConfig,
	storage *StorageStage,
	updater *DirectUpdateHandler,
	tracker *RunTracker,
) *PipelineWorker {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.StaleThresholdMinutes == 0 {
		config.StaleThresholdMinutes = 10
	}

	return &PipelineWorker{
		config:       config,
		log:          log.With(logger.Scope("funding.worker"), slog.String("worker", config.Name)),
		queue:        queue,
		masterRuns:   masterRuns,
		duplicates:   duplicates,
		changes:      changes,
		analysis:     analysis,
		filter:       filter,
		filterConfig: filterConfig,
		storage:      storage,
		updater:      updater,
		tracker:      tracker,
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

// Start begins the polling loop.
func (w *PipelineWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	if w.config.RecoverStaleOnStart {
		if n, err := w.queue.RecoverStaleJobs(ctx, time.Duration(w.config.StaleThresholdMinutes)*time.Minute); err != nil {
			w.log.Warn("stale job recovery failed on start", logger.Error(err))
		} else if n > 0 {
			w.log.Info("recovered stale jobs on start", slog.Int("count", n))
		}
	}

	w.log.Info("pipeline worker starting", slog.Duration("poll_interval", w.config.PollInterval))

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop gracefully stops the worker, waiting for the in-flight job to finish.
func (w *PipelineWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	select {
	case <-w.stoppedCh:
		w.log.Info("pipeline worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("pipeline worker stop timeout, forcing shutdown")
	}
	return nil
}

func (w *PipelineWorker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.stoppedCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	cleanupInterval := w.config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessNextJob(ctx); err != nil {
				w.log.Warn("process next job failed", logger.Error(err))
			}
		case <-cleanupTicker.C:
			w.runRetentionSweep(ctx)
		}
	}
}

// runRetentionSweep deletes completed jobs older than the configured
// retention window, per spec §6 "retention (default 30 days for
// completed jobs)".
func (w *PipelineWorker) runRetentionSweep(ctx context.Context) {
	n, err := w.queue.CleanupOldJobs(ctx, w.config.RetentionDays)
	if err != nil {
		w.log.Warn("retention sweep failed", logger.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("retention sweep deleted completed jobs", slog.Int("count", n))
	}
}

// JobOutcome is the operator-surface result of processing one job,
// per spec §6 processNextJob.
type JobOutcome struct {
	Processed        bool
	JobID            string
	ChunkIndex       int
	TotalChunks      int
	ProcessingTimeMs int
	ItemsProcessed   int
	Message          string
}

// ProcessNextJob pops the next pending job (if any) and drives it
// through the full pipeline. Returns {processed: false} if the queue
// is empty, matching spec §6.
func (w *PipelineWorker) ProcessNextJob(ctx context.Context) (JobOutcome, error) {
	job, err := w.queue.GetNextPendingJob(ctx)
	if err != nil {
		return JobOutcome{}, err
	}
	if job == nil {
		return JobOutcome{Processed: false, Message: "No jobs in queue"}, nil
	}

	start := time.Now()
	itemsProcessed, jobErr := w.processJob(ctx, job)
	elapsedMs := int(time.Since(start).Milliseconds())

	if jobErr != nil {
		w.log.Error("job processing failed", slog.String("job_id", job.ID), logger.Error(jobErr))
		errDetails := map[string]any{"message": jobErr.Error()}
		if _, err := w.queue.UpdateJobStatus(ctx, job.ID, JobFailed, UpdateStatusOptions{
			ProcessingTimeMs: &elapsedMs,
			ErrorDetails:     errDetails,
		}); err != nil {
			w.log.Error("failed to record job failure", slog.String("job_id", job.ID), logger.Error(err))
		}

		// A job already at its retry ceiling is terminal per spec §4.1;
		// surface that terminal state as dead_letter immediately rather
		// than waiting for a separate sweep to find it.
		if job.RetryCount >= job.MaxRetries {
			if n, err := w.queue.MoveExhaustedToDeadLetter(ctx); err != nil {
				w.log.Warn("failed to move exhausted job to dead letter", logger.Error(err))
			} else if n > 0 {
				w.log.Info("moved exhausted jobs to dead letter", slog.Int("count", n))
			}
		}

		return JobOutcome{Processed: true, JobID: job.ID, ChunkIndex: job.ChunkIndex, TotalChunks: job.TotalChunks, ProcessingTimeMs: elapsedMs}, nil
	}

	if _, err := w.queue.UpdateJobStatus(ctx, job.ID, JobCompleted, UpdateStatusOptions{ProcessingTimeMs: &elapsedMs}); err != nil {
		w.log.Error("failed to record job completion", slog.String("job_id", job.ID), logger.Error(err))
	}

	return JobOutcome{
		Processed:        true,
		JobID:            job.ID,
		ChunkIndex:       job.ChunkIndex,
		TotalChunks:      job.TotalChunks,
		ProcessingTimeMs: elapsedMs,
		ItemsProcessed:   itemsProcessed,
	}, nil
}

// processJob drives one job's raw data through duplicate detection,
// the NEW/UPDATE/SKIP branch, and RunTracker recording.
func (w *PipelineWorker) processJob(ctx context.Context, job *ChunkJob) (int, error) {
	var input []Opportunity
	if err := json.Unmarshal(job.RawData, &input); err != nil {
		return 0, err
	}

	runID, err := w.masterRuns.ResolvePipelineRunID(ctx, job.MasterRunID)
	if err != nil {
		return 0, err
	}

	detection, err := w.duplicates.Detect(ctx, job.SourceID, input)
	if err != nil {
		return 0, err
	}

	w.tracker.RecordDuplicateSession(ctx, runID,
		len(detection.NewOpportunities), len(detection.OpportunitiesToUpdate), len(detection.OpportunitiesToSkip),
		detection.Metrics)

	for _, s := range detection.OpportunitiesToSkip {
		w.recordPath(ctx, runID, s.Record.ID, PathSkip, &s.Reason, OutcomeSkipped, nil, nil)
	}

	processed := len(detection.OpportunitiesToSkip)

	// UPDATE path: re-check materiality with ChangeDetector before
	// writing; a candidate whose timestamps looked newer but whose
	// fields didn't materially change is reclassified as a no-op skip.
	var materialUpdates []UpdateCandidate
	for _, cand := range detection.OpportunitiesToUpdate {
		if w.changes.IsMaterial(cand.APIRecord, cand.DBRecord) {
			materialUpdates = append(materialUpdates, cand)
			continue
		}
		reason := "no_material_changes"
		w.recordPath(ctx, runID, cand.APIRecord.ID, PathUpdate, &reason, OutcomeSkipped, boolPtr(true), boolPtr(false))
		processed++
	}

	if len(materialUpdates) > 0 {
		updateResult, err := w.updater.Process(ctx, materialUpdates)
		if err != nil {
			return processed, err
		}
		apiIDByInternalID := make(map[string]string, len(materialUpdates))
		for _, cand := range materialUpdates {
			apiIDByInternalID[cand.DBRecord.InternalID] = cand.APIRecord.ID
		}
		for _, ok := range updateResult.Successful {
			w.recordPath(ctx, runID, apiIDByInternalID[ok.InternalID], PathUpdate, nil, OutcomeUpdated, boolPtr(true), boolPtr(true))
			processed++
		}
		for _, sk := range updateResult.Skipped {
			reason := sk.Reason
			w.recordPath(ctx, runID, apiIDByInternalID[sk.InternalID], PathUpdate, &reason, OutcomeSkipped, boolPtr(true), boolPtr(false))
			processed++
		}
		for _, f := range updateResult.Failed {
			reason := f.Err.Error()
			w.recordPath(ctx, runID, apiIDByInternalID[f.InternalID], PathUpdate, &reason, OutcomeFailed, boolPtr(true), nil)
			processed++
		}
	}

	// NEW path: analyze, filter, store.
	if len(detection.NewOpportunities) > 0 {
		analyzed, _, err := w.analysis.Analyze(ctx, detection.NewOpportunities)
		if err != nil {
			return processed, err
		}

		filterResult := w.filter.Filter(analyzed, &w.filterConfig)
		for _, excl := range filterResult.ExcludedOpportunities {
			reason := excl.ExclusionReason
			w.recordPath(ctx, runID, excl.ID, PathNew, &reason, OutcomeFilteredOut, boolPtr(false), nil)
			processed++
		}

		if len(filterResult.IncludedOpportunities) > 0 {
			outcome := w.storage.Store(ctx, filterResult.IncludedOpportunities,
				StorageSource{ID: job.SourceID}, stringPtr(job.ID), false)

			storedByAPIID := make(map[string]PersistedOpportunity, len(outcome.Results.NewOpportunities))
			for _, p := range outcome.Results.NewOpportunities {
				storedByAPIID[p.APIOpportunityID] = p
			}
			for _, included := range filterResult.IncludedOpportunities {
				_, stored := storedByAPIID[included.ID]
				finalOutcome := OutcomeStored
				if !stored {
					finalOutcome = OutcomeFailed
				}
				w.recordPath(ctx, runID, included.ID, PathNew, nil, finalOutcome, boolPtr(false), nil)
				processed++
			}
		}
	}

	return processed, nil
}

func (w *PipelineWorker) recordPath(ctx context.Context, runID, apiOpportunityID string, pathType PathType, reason *string, outcome FinalOutcome, duplicateDetected, changesDetected *bool) {
	path := &OpportunityProcessingPath{
		RunID:             runID,
		APIOpportunityID:  apiOpportunityID,
		PathType:          pathType,
		Reason:            reason,
		FinalOutcome:      outcome,
		DuplicateDetected: duplicateDetected,
		ChangesDetected:   changesDetected,
	}
	w.tracker.RecordPath(ctx, path)
}

func boolPtr(b bool) *bool       { return &b }
func stringPtr(s string) *string { return &s }
