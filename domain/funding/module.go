package funding

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/internal/config"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/llm"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// Module provides the funding pipeline: job queue, duplicate/change
// detection, LLM analysis, filtering, storage, telemetry, the
// background worker, and its HTTP operator surface.
var Module = fx.Module("funding",
	fx.Provide(
		NewFundingSourceRepository,
		NewPersistedOpportunityRepository,
		NewMasterRunRepository,
		NewJobQueue,
		NewDuplicateDetectorFromConfig,
		NewChangeDetector,
		NewLLMProvider,
		NewAnalysisCoordinator,
		NewFilterStageConfig,
		NewFilterStage,
		NewStorageStage,
		NewDirectUpdateHandler,
		NewRunTracker,
		NewPipelineWorkerFromConfig,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes, RegisterWorkerLifecycle),
)

// NewDuplicateDetectorFromConfig wires internal/config.PipelineConfig's
// duplicate-matching thresholds into DuplicateDetector.
func NewDuplicateDetectorFromConfig(db bun.IDB, cfg *config.Config, log *slog.Logger) *DuplicateDetector {
	return NewDuplicateDetector(db, log, cfg.Pipeline.DuplicateTitleLengthThreshold, cfg.Pipeline.StalenessWindowDays)
}

// NewLLMProvider constructs the GenAI-backed analysis provider. If no
// API key is configured, the returned provider reports IsConfigured()
// false and every call fails fast rather than blocking the pipeline
// on an unreachable upstream.
func NewLLMProvider(cfg *config.Config, log *slog.Logger) (llm.Provider, error) {
	scopedLog := log.With(logger.Scope("funding.llm"))
	provider, err := llm.NewGenAIProvider(context.Background(), llm.GenAIProviderConfig{
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		RequestsPerSecond: 2,
		Logger:            scopedLog,
	})
	if err != nil {
		return nil, err
	}
	if !provider.IsConfigured() {
		scopedLog.Warn("LLM provider not configured - new opportunities will fail analysis")
	}
	return provider, nil
}

// NewFilterStageConfig wires internal/config.PipelineConfig's filter
// threshold into a FilterConfig shared by the worker's Filter calls.
func NewFilterStageConfig(cfg *config.Config) FilterConfig {
	fc := DefaultFilterConfig()
	if cfg.Pipeline.MaxZeroScoreComponents > 0 {
		fc.MaxZeroScoreComponents = cfg.Pipeline.MaxZeroScoreComponents
	}
	return fc
}

// NewPipelineWorkerFromConfig wires internal/config.PipelineConfig's
// polling interval into the background worker.
func NewPipelineWorkerFromConfig(
	cfg *config.Config,
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
	workerConfig := DefaultPipelineWorkerConfig("funding-pipeline")
	if cfg.Pipeline.PollInterval > 0 {
		workerConfig.PollInterval = cfg.Pipeline.PollInterval
	}
	if cfg.Pipeline.StaleAfter > 0 {
		workerConfig.StaleThresholdMinutes = int(cfg.Pipeline.StaleAfter.Minutes())
	}
	if cfg.Pipeline.RetentionDays > 0 {
		workerConfig.RetentionDays = cfg.Pipeline.RetentionDays
	}

	return NewPipelineWorker(workerConfig, log, queue, masterRuns, duplicates, changes, analysis, filter, filterConfig, storage, updater, tracker)
}

// RegisterWorkerLifecycle starts/stops the background poller with the
// application's fx lifecycle, grounded on the teacher's email.Module pattern.
func RegisterWorkerLifecycle(lc fx.Lifecycle, worker *PipelineWorker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return worker.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return worker.Stop(ctx)
		},
	})
}
