// Package funding implements the ingestion-to-persistence pipeline for
// funding-opportunity records: job queue, duplicate/freshness detection,
// LLM-backed analysis, filtering, and storage.
package funding

import (
	"time"

	"github.com/uptrace/bun"
)

// JobStatus is the lifecycle state of a ChunkJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// PathType is the route an opportunity took through the pipeline.
type PathType string

const (
	PathNew    PathType = "NEW"
	PathUpdate PathType = "UPDATE"
	PathSkip   PathType = "SKIP"
)

// FinalOutcome is the terminal state recorded for an opportunity's path.
type FinalOutcome string

const (
	OutcomeStored     FinalOutcome = "stored"
	OutcomeUpdated    FinalOutcome = "updated"
	OutcomeSkipped    FinalOutcome = "skipped"
	OutcomeFilteredOut FinalOutcome = "filtered_out"
	OutcomeFailed     FinalOutcome = "failed"
)

// FundingSource is the upstream API/agency a set of opportunities comes from.
// Table: funding_sources
type FundingSource struct {
	bun.BaseModel `bun:"table:funding_sources,alias:fs"`

	ID           string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Name         string    `bun:"name,notnull" json:"name"`
	Agency       *string   `bun:"agency" json:"agency,omitempty"`
	Website      *string   `bun:"website" json:"website,omitempty"`
	ContactEmail *string   `bun:"contact_email" json:"contactEmail,omitempty"`
	ContactPhone *string   `bun:"contact_phone" json:"contactPhone,omitempty"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// RawAPIResponse preserves an upstream payload verbatim for provenance.
// Table: raw_api_responses
type RawAPIResponse struct {
	bun.BaseModel `bun:"table:raw_api_responses,alias:rar"`

	ID        string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SourceID  string    `bun:"source_id,type:uuid,notnull" json:"sourceId"`
	Payload   []byte    `bun:"payload,type:jsonb,notnull" json:"payload"`
	FetchedAt time.Time `bun:"fetched_at,nullzero,notnull,default:current_timestamp" json:"fetchedAt"`
}

// MasterRun aggregates all ChunkJobs created for one ingestion pass over a source.
// Table: master_runs
type MasterRun struct {
	bun.BaseModel `bun:"table:master_runs,alias:mr"`

	ID            string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SourceID      string    `bun:"source_id,type:uuid,notnull" json:"sourceId"`
	PipelineRunID *string   `bun:"pipeline_run_id,type:uuid" json:"pipelineRunId,omitempty"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// JobMetrics captures per-job processing metrics.
type JobMetrics struct {
	ProcessingTimeMs  *int     `json:"processingTimeMs,omitempty"`
	TokensUsed        *int     `json:"tokensUsed,omitempty"`
	EstimatedCostUsd  *float64 `json:"estimatedCostUsd,omitempty"`
}

// ChunkJob is a bounded group of raw upstream records processed as one job.
// Table: processing_jobs
type ChunkJob struct {
	bun.BaseModel `bun:"table:processing_jobs,alias:pj"`

	ID               string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SourceID         string         `bun:"source_id,type:uuid,notnull" json:"sourceId"`
	MasterRunID      string         `bun:"master_run_id,type:uuid,notnull" json:"masterRunId"`
	ChunkIndex       int            `bun:"chunk_index,notnull" json:"chunkIndex"`
	TotalChunks      int            `bun:"total_chunks,notnull" json:"totalChunks"`
	RawData          []byte         `bun:"raw_data,type:jsonb,notnull" json:"rawData"`
	ProcessingConfig []byte         `bun:"processing_config,type:jsonb,notnull,default:'{}'" json:"processingConfig"`
	Status           JobStatus      `bun:"status,notnull,default:'pending'" json:"status"`
	RetryCount       int            `bun:"retry_count,notnull,default:0" json:"retryCount"`
	MaxRetries       int            `bun:"max_retries,notnull,default:3" json:"maxRetries"`
	ProcessingTimeMs *int           `bun:"processing_time_ms" json:"processingTimeMs,omitempty"`
	TokensUsed       *int           `bun:"tokens_used" json:"tokensUsed,omitempty"`
	EstimatedCostUsd *float64       `bun:"estimated_cost_usd" json:"estimatedCostUsd,omitempty"`
	ErrorDetails     []byte         `bun:"error_details,type:jsonb" json:"errorDetails,omitempty"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	StartedAt        *time.Time     `bun:"started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `bun:"completed_at" json:"completedAt,omitempty"`
	UpdatedAt        time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// Opportunity is the input shape of an upstream funding record.
type Opportunity struct {
	ID                    string          `json:"id"`
	Title                 string          `json:"title"`
	Description           string          `json:"description,omitempty"`
	OpenDate              *string         `json:"openDate,omitempty"`
	CloseDate             *string         `json:"closeDate,omitempty"`
	Status                string          `json:"status,omitempty"`
	MinimumAward          *float64        `json:"minimumAward,omitempty"`
	MaximumAward          *float64        `json:"maximumAward,omitempty"`
	TotalFundingAvailable *float64        `json:"totalFundingAvailable,omitempty"`
	EligibleApplicants    []string        `json:"eligibleApplicants,omitempty"`
	FundingInstrumentType string          `json:"fundingInstrumentType,omitempty"`
	APIUpdatedAt          *time.Time      `json:"apiUpdatedAt,omitempty"`
	Metadata              map[string]any  `json:"metadata,omitempty"`
}

// PersistedOpportunity is the superset of Opportunity stored in funding_opportunities.
// Table: funding_opportunities
type PersistedOpportunity struct {
	bun.BaseModel `bun:"table:funding_opportunities,alias:fo"`

	InternalID            string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"internalId"`
	FundingSourceID       string         `bun:"source_id,type:uuid,notnull" json:"fundingSourceId"`
	APIOpportunityID      string         `bun:"api_opportunity_id,notnull" json:"apiOpportunityId"`
	Title                 string         `bun:"title,notnull" json:"title"`
	Description           *string        `bun:"description" json:"description,omitempty"`
	OpenDate              *time.Time     `bun:"open_date" json:"openDate,omitempty"`
	CloseDate             *time.Time     `bun:"close_date" json:"closeDate,omitempty"`
	Status                *string        `bun:"status" json:"status,omitempty"`
	MinimumAward          *float64       `bun:"minimum_award" json:"minimumAward,omitempty"`
	MaximumAward          *float64       `bun:"maximum_award" json:"maximumAward,omitempty"`
	TotalFundingAvailable *float64       `bun:"total_funding_available" json:"totalFundingAvailable,omitempty"`
	EligibleApplicants    []string       `bun:"eligible_applicants,array" json:"eligibleApplicants,omitempty"`
	FundingInstrumentType *string        `bun:"funding_instrument_type" json:"fundingInstrumentType,omitempty"`
	Metadata              map[string]any `bun:"metadata,type:jsonb,default:'{}'" json:"metadata,omitempty"`

	// Protected fields: never overwritten by the pipeline.
	EnhancedContent map[string]any `bun:"enhanced_content,type:jsonb" json:"enhancedContent,omitempty"`
	AdminNotes      *string        `bun:"admin_notes" json:"adminNotes,omitempty"`

	Scoring        map[string]any `bun:"scoring,type:jsonb" json:"scoring,omitempty"`
	RawResponseID  *string        `bun:"raw_response_id,type:uuid" json:"rawResponseId,omitempty"`
	APIUpdatedAt   *time.Time     `bun:"api_updated_at" json:"apiUpdatedAt,omitempty"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// StateEligibility records a state-level eligibility row derived during storage.
// Table: opportunity_state_eligibility
type StateEligibility struct {
	bun.BaseModel `bun:"table:opportunity_state_eligibility,alias:ose"`

	ID            string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	OpportunityID string    `bun:"opportunity_id,type:uuid,notnull" json:"opportunityId"`
	StateCode     string    `bun:"state_code,notnull" json:"stateCode"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// ContentEnhancement is the ContentEnhancer LLM pass output for one opportunity.
type ContentEnhancement struct {
	ID                 string `json:"id"`
	EnhancedDescription string `json:"enhancedDescription"`
	ActionableSummary   string `json:"actionableSummary"`
	ProgramOverview     string `json:"programOverview"`
	ProgramUseCases     string `json:"programUseCases"`
	ApplicationSummary  string `json:"applicationSummary"`
	ProgramInsights     string `json:"programInsights"`
}

// Scoring is the scored-component breakdown produced by the ScoringAnalyzer pass.
type Scoring struct {
	ClientRelevance        float64 `json:"clientRelevance"`
	ProjectRelevance       float64 `json:"projectRelevance"`
	FundingAttractiveness  float64 `json:"fundingAttractiveness"`
	FundingType            float64 `json:"fundingType"`
	OverallScore           float64 `json:"overallScore"`
}

// ScoringResult is the ScoringAnalyzer LLM pass output for one opportunity.
type ScoringResult struct {
	ID                 string   `json:"id"`
	Scoring             Scoring  `json:"scoring"`
	RelevanceReasoning  string   `json:"relevanceReasoning"`
	Concerns            []string `json:"concerns"`
}

// AnalyzedOpportunity is an Opportunity merged with its AnalysisResult.
// Content is a named field, not embedded: both Opportunity and
// ContentEnhancement declare an ID, so embedding both would make o.ID
// an ambiguous selector.
type AnalyzedOpportunity struct {
	Opportunity
	Content            ContentEnhancement `json:"content"`
	Scoring            *Scoring           `json:"scoring,omitempty"`
	RelevanceReasoning string             `json:"relevanceReasoning,omitempty"`
	Concerns           []string           `json:"concerns,omitempty"`
}

// PipelineRun records one ingestion run's aggregate metrics.
// Table: pipeline_runs
type PipelineRun struct {
	bun.BaseModel `bun:"table:pipeline_runs,alias:pr"`

	ID                       string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	SourceID                 string         `bun:"source_id,type:uuid,notnull" json:"sourceId"`
	Status                   string         `bun:"status,notnull,default:'running'" json:"status"`
	PipelineVersion          string         `bun:"pipeline_version,notnull,default:'v1'" json:"pipelineVersion"`
	Configuration            map[string]any `bun:"configuration,type:jsonb,default:'{}'" json:"configuration,omitempty"`
	StartedAt                time.Time      `bun:"started_at,nullzero,notnull,default:current_timestamp" json:"startedAt"`
	CompletedAt              *time.Time     `bun:"completed_at" json:"completedAt,omitempty"`
	TotalExecutionMs         *int           `bun:"total_execution_ms" json:"totalExecutionMs,omitempty"`
	OpportunitiesProcessed   int            `bun:"opportunities_processed,notnull,default:0" json:"opportunitiesProcessed"`
	OpportunitiesBypassedLLM int            `bun:"opportunities_bypassed_llm,notnull,default:0" json:"opportunitiesBypassedLlm"`
	TotalTokens              int            `bun:"total_tokens,notnull,default:0" json:"totalTokens"`
	TotalAPICalls            int            `bun:"total_api_calls,notnull,default:0" json:"totalApiCalls"`
	EstimatedCostUsd         float64        `bun:"estimated_cost_usd,notnull,default:0" json:"estimatedCostUsd"`
}

// PipelineStage records one stage's execution within a PipelineRun.
// Table: pipeline_stages
type PipelineStage struct {
	bun.BaseModel `bun:"table:pipeline_stages,alias:ps"`

	ID          string         `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	RunID       string         `bun:"run_id,type:uuid,notnull" json:"runId"`
	Name        string         `bun:"name,notnull" json:"name"`
	StageOrder  int            `bun:"stage_order,notnull" json:"stageOrder"`
	Status      string         `bun:"status,notnull" json:"status"`
	InputCount  int            `bun:"input_count,notnull,default:0" json:"inputCount"`
	OutputCount int            `bun:"output_count,notnull,default:0" json:"outputCount"`
	TokensUsed  int            `bun:"tokens_used,notnull,default:0" json:"tokensUsed"`
	APICalls    int            `bun:"api_calls,notnull,default:0" json:"apiCalls"`
	Results     map[string]any `bun:"results,type:jsonb" json:"results,omitempty"`
	Performance map[string]any `bun:"performance,type:jsonb" json:"performance,omitempty"`
	ExecutionMs *int           `bun:"execution_ms" json:"executionMs,omitempty"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// OpportunityProcessingPath records the route a single opportunity took through the pipeline.
// Table: opportunity_processing_paths
type OpportunityProcessingPath struct {
	bun.BaseModel `bun:"table:opportunity_processing_paths,alias:opp"`

	ID                string       `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	RunID             string       `bun:"run_id,type:uuid,notnull" json:"runId"`
	APIOpportunityID  string       `bun:"api_opportunity_id,notnull" json:"apiOpportunityId"`
	PathType          PathType     `bun:"path_type,notnull" json:"pathType"`
	Reason            *string      `bun:"reason" json:"reason,omitempty"`
	StagesProcessed   []string     `bun:"stages_processed,array" json:"stagesProcessed"`
	FinalOutcome      FinalOutcome `bun:"final_outcome,notnull" json:"finalOutcome"`
	TokensUsed        int          `bun:"tokens_used,notnull,default:0" json:"tokensUsed"`
	ProcessingMs      *int         `bun:"processing_ms" json:"processingMs,omitempty"`
	CostUsd           *float64     `bun:"cost_usd" json:"costUsd,omitempty"`
	DuplicateDetected *bool        `bun:"duplicate_detected" json:"duplicateDetected,omitempty"`
	ChangesDetected   *bool        `bun:"changes_detected" json:"changesDetected,omitempty"`
	DetectionMethod   *string      `bun:"detection_method" json:"detectionMethod,omitempty"`
	QualityScore      *float64     `bun:"quality_score" json:"qualityScore,omitempty"`
	CreatedAt         time.Time    `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// DuplicateDetectionSession summarizes one DuplicateDetector invocation.
// Table: duplicate_detection_sessions
type DuplicateDetectionSession struct {
	bun.BaseModel `bun:"table:duplicate_detection_sessions,alias:dds"`

	ID                   string    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	RunID                string    `bun:"run_id,type:uuid,notnull" json:"runId"`
	TotalInput           int       `bun:"total_input,notnull" json:"totalInput"`
	NewCount             int       `bun:"new_count,notnull" json:"newCount"`
	UpdateCount          int       `bun:"update_count,notnull" json:"updateCount"`
	SkipCount            int       `bun:"skip_count,notnull" json:"skipCount"`
	NoMatchCount         int       `bun:"no_match_count,notnull,default:0" json:"noMatchCount"`
	IDValidationCount    int       `bun:"id_validation_count,notnull,default:0" json:"idValidationCount"`
	TitleOnlyCount       int       `bun:"title_only_count,notnull,default:0" json:"titleOnlyCount"`
	EstimatedTokensSaved int       `bun:"estimated_tokens_saved,notnull,default:0" json:"estimatedTokensSaved"`
	DatabaseQueryCount   int       `bun:"database_query_count,notnull,default:0" json:"databaseQueryCount"`
	CreatedAt            time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}
