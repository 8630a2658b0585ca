package funding

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
)

// FundingSourceRepository is a thin bun.IDB wrapper for FundingSource
// lookups. Handler holds one; StorageStage, DuplicateDetector and the
// worker run their own queries and do not use it.
type FundingSourceRepository struct {
	db bun.IDB
}

// NewFundingSourceRepository constructs a FundingSourceRepository.
func NewFundingSourceRepository(db bun.IDB) *FundingSourceRepository {
	return &FundingSourceRepository{db: db}
}

// GetByID fetches a FundingSource by id, or nil if absent.
func (r *FundingSourceRepository) GetByID(ctx context.Context, id string) (*FundingSource, error) {
	source := new(FundingSource)
	err := r.db.NewSelect().Model(source).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return source, err
}

// GetByName fetches a FundingSource by name, or nil if absent.
func (r *FundingSourceRepository) GetByName(ctx context.Context, name string) (*FundingSource, error) {
	source := new(FundingSource)
	err := r.db.NewSelect().Model(source).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return source, err
}

// Create inserts a new FundingSource.
func (r *FundingSourceRepository) Create(ctx context.Context, source *FundingSource) error {
	_, err := r.db.NewInsert().Model(source).Returning("*").Exec(ctx)
	return err
}

// PersistedOpportunityRepository is a thin bun.IDB wrapper for reading
// back persisted opportunities. It is provided by Module; no pipeline
// stage, handler or test in this package calls it.
type PersistedOpportunityRepository struct {
	db bun.IDB
}

// NewPersistedOpportunityRepository constructs a PersistedOpportunityRepository.
func NewPersistedOpportunityRepository(db bun.IDB) *PersistedOpportunityRepository {
	return &PersistedOpportunityRepository{db: db}
}

// GetByInternalID fetches a PersistedOpportunity by its internal id.
func (r *PersistedOpportunityRepository) GetByInternalID(ctx context.Context, id string) (*PersistedOpportunity, error) {
	row := new(PersistedOpportunity)
	err := r.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

// GetBySourceAndAPIID fetches a PersistedOpportunity by its natural key.
func (r *PersistedOpportunityRepository) GetBySourceAndAPIID(ctx context.Context, sourceID, apiOpportunityID string) (*PersistedOpportunity, error) {
	row := new(PersistedOpportunity)
	err := r.db.NewSelect().Model(row).
		Where("source_id = ?", sourceID).
		Where("api_opportunity_id = ?", apiOpportunityID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

// ListBySourceID fetches all persisted opportunities for a source.
func (r *PersistedOpportunityRepository) ListBySourceID(ctx context.Context, sourceID string) ([]*PersistedOpportunity, error) {
	var rows []*PersistedOpportunity
	err := r.db.NewSelect().Model(&rows).Where("source_id = ?", sourceID).OrderExpr("created_at DESC").Scan(ctx)
	return rows, err
}

// MasterRunRepository manages MasterRun rows and their association
// with a PipelineRun: the job queue groups ChunkJobs by MasterRunID,
// while RunTracker (C8) records per-run telemetry keyed by
// PipelineRun.id. The two ids are linked 1:1 via master_runs.pipeline_run_id.
type MasterRunRepository struct {
	db bun.IDB
}

// NewMasterRunRepository constructs a MasterRunRepository.
func NewMasterRunRepository(db bun.IDB) *MasterRunRepository {
	return &MasterRunRepository{db: db}
}

// CreateWithPipelineRun creates a MasterRun already linked to a
// PipelineRun, so chunk jobs created under it resolve straight back to
// their tracking run.
func (r *MasterRunRepository) CreateWithPipelineRun(ctx context.Context, sourceID, pipelineRunID string) (*MasterRun, error) {
	run := &MasterRun{SourceID: sourceID, PipelineRunID: &pipelineRunID}
	if _, err := r.db.NewInsert().Model(run).Returning("*").Exec(ctx); err != nil {
		return nil, err
	}
	return run, nil
}

// ResolvePipelineRunID looks up the PipelineRun a MasterRun is tracked
// under. If the MasterRun predates run tracking (no linked
// PipelineRun), its own id is used as a fallback so telemetry writes
// still succeed against a best-effort identifier.
func (r *MasterRunRepository) ResolvePipelineRunID(ctx context.Context, masterRunID string) (string, error) {
	run := new(MasterRun)
	if err := r.db.NewSelect().Model(run).Where("id = ?", masterRunID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return masterRunID, nil
		}
		return "", err
	}
	if run.PipelineRunID == nil {
		return masterRunID, nil
	}
	return *run.PipelineRunID, nil
}
