package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/llm"
	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// AnalysisCoordinator fans out the ContentEnhancer and ScoringAnalyzer
// LLM passes concurrently over a chunk of NEW opportunities, validates
// the two result sets against the input, and merges them, per spec
// §4.4. Bounded fan-out of exactly two, per spec §9 "fixed fan-out /
// fan-in, not a general task pool."
type AnalysisCoordinator struct {
	provider llm.Provider
	log      *slog.Logger
}

// NewAnalysisCoordinator constructs an AnalysisCoordinator over the given LLM provider.
func NewAnalysisCoordinator(provider llm.Provider, log *slog.Logger) *AnalysisCoordinator {
	return &AnalysisCoordinator{provider: provider, log: log.With(logger.Scope("funding.analysiscoordinator"))}
}

// AnalysisMetrics summarizes one Analyze invocation.
type AnalysisMetrics struct {
	ExecutionTime  time.Duration `json:"executionTime"`
	ContentTokens  int           `json:"contentTokens"`
	ScoringTokens  int           `json:"scoringTokens"`
	ScoringFellBack bool          `json:"scoringFellBack"`
}

// Analyze runs the two LLM passes concurrently and returns the merged,
// input-ordered output. Both passes share the input's natural order;
// validation and merge key strictly on opportunity id, never position.
func (c *AnalysisCoordinator) Analyze(ctx context.Context, input []Opportunity) ([]AnalyzedOpportunity, AnalysisMetrics, error) {
	start := time.Now()
	metrics := AnalysisMetrics{}

	if len(input) == 0 {
		metrics.ExecutionTime = time.Since(start)
		return nil, metrics, nil
	}

	// The sizing result is not used to split the input: each pass sends
	// the whole input in one request, and the worker hands Analyze all of
	// a job's NEW opportunities in a single call.
	avgLen := averageDescriptionLength(input)
	c.provider.CalculateOptimalBatchSize(avgLen, nil, nil)

	var contentResults []ContentEnhancement
	var scoringResults []ScoringResult
	var scoringFellBack bool

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		results, usage, err := c.runContentEnhancer(gctx, input)
		if err != nil {
			// Content pass has no fallback: its failure aborts the chunk (spec §4.4).
			return fmt.Errorf("content enhancement failed: %w", err)
		}
		contentResults = results
		metrics.ContentTokens = usage
		return nil
	})

	g.Go(func() error {
		results, usage, err := c.runScoringAnalyzer(gctx, input)
		if err != nil {
			c.log.Warn("scoring pass failed, substituting fallback", logger.Error(err))
			results = fallbackScoringResults(input)
			scoringFellBack = true
		}
		scoringResults = results
		metrics.ScoringTokens = usage
		return nil
	})

	if err := g.Wait(); err != nil {
		metrics.ExecutionTime = time.Since(start)
		return nil, metrics, err
	}
	metrics.ScoringFellBack = scoringFellBack

	if err := validateAnalysisResults(input, contentResults, scoringResults); err != nil {
		metrics.ExecutionTime = time.Since(start)
		return nil, metrics, err
	}

	merged := mergeAnalysisResults(input, contentResults, scoringResults)
	metrics.ExecutionTime = time.Since(start)
	return merged, metrics, nil
}

func averageDescriptionLength(input []Opportunity) int {
	if len(input) == 0 {
		return 0
	}
	total := 0
	for _, o := range input {
		total += len(o.Description)
	}
	return total / len(input)
}

func (c *AnalysisCoordinator) runContentEnhancer(ctx context.Context, input []Opportunity) ([]ContentEnhancement, int, error) {
	prompt := buildContentEnhancementPrompt(input)
	result, err := c.provider.CallWithSchema(ctx, prompt, contentEnhancementSchema())
	if err != nil {
		return nil, 0, err
	}

	var out []ContentEnhancement
	if err := json.Unmarshal(result.Data, &out); err != nil {
		return nil, 0, fmt.Errorf("parse content enhancement payload: %w", err)
	}
	return out, result.Usage.TotalTokens, nil
}

func (c *AnalysisCoordinator) runScoringAnalyzer(ctx context.Context, input []Opportunity) ([]ScoringResult, int, error) {
	prompt := buildScoringPrompt(input)
	result, err := c.provider.CallWithSchema(ctx, prompt, scoringSchema())
	if err != nil {
		return nil, 0, err
	}

	var out []ScoringResult
	if err := json.Unmarshal(result.Data, &out); err != nil {
		return nil, 0, fmt.Errorf("parse scoring payload: %w", err)
	}
	return out, result.Usage.TotalTokens, nil
}

// fallbackScoringResults substitutes a zeroed scoring record per input
// when the scoring pass fails, per spec §4.4.
func fallbackScoringResults(input []Opportunity) []ScoringResult {
	out := make([]ScoringResult, len(input))
	for i, o := range input {
		out[i] = ScoringResult{
			ID:                 o.ID,
			Scoring:            Scoring{},
			RelevanceReasoning: "Analysis failed - manual review required",
			Concerns:           []string{"Analysis failed - manual review required"},
		}
	}
	return out
}

// validateAnalysisResults implements the §4.4 pre-merge validation:
// count mismatches or any id mismatch in either direction fail the chunk.
func validateAnalysisResults(input []Opportunity, content []ContentEnhancement, scoring []ScoringResult) error {
	var issues []string

	if len(content) != len(input) {
		issues = append(issues, fmt.Sprintf("Content count mismatch: expected %d, got %d", len(input), len(content)))
	}
	if len(scoring) != len(input) {
		issues = append(issues, fmt.Sprintf("Scoring count mismatch: expected %d, got %d", len(input), len(scoring)))
	}

	inputIDs := make(map[string]bool, len(input))
	for _, o := range input {
		inputIDs[o.ID] = true
	}

	contentIDs := make(map[string]bool, len(content))
	for _, r := range content {
		contentIDs[r.ID] = true
	}
	scoringIDs := make(map[string]bool, len(scoring))
	for _, r := range scoring {
		scoringIDs[r.ID] = true
	}

	for id := range inputIDs {
		if !contentIDs[id] {
			issues = append(issues, fmt.Sprintf("Missing content for opportunity ID: %s", id))
		}
		if !scoringIDs[id] {
			issues = append(issues, fmt.Sprintf("Missing scoring for opportunity ID: %s", id))
		}
	}
	for id := range contentIDs {
		if !inputIDs[id] {
			issues = append(issues, fmt.Sprintf("Unexpected content result ID: %s", id))
		}
	}
	for id := range scoringIDs {
		if !inputIDs[id] {
			issues = append(issues, fmt.Sprintf("Unexpected scoring result ID: %s", id))
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("Parallel analysis validation failed: %s", strings.Join(issues, "; "))
	}
	return nil
}

// mergeAnalysisResults builds index-by-id for both result sets and
// merges into input order, preserving every original field unchanged.
func mergeAnalysisResults(input []Opportunity, content []ContentEnhancement, scoring []ScoringResult) []AnalyzedOpportunity {
	contentByID := make(map[string]ContentEnhancement, len(content))
	for _, r := range content {
		contentByID[r.ID] = r
	}
	scoringByID := make(map[string]ScoringResult, len(scoring))
	for _, r := range scoring {
		scoringByID[r.ID] = r
	}

	out := make([]AnalyzedOpportunity, len(input))
	for i, o := range input {
		c := contentByID[o.ID]
		s := scoringByID[o.ID]

		concerns := s.Concerns
		if concerns == nil {
			concerns = []string{}
		}

		scoring := s.Scoring
		out[i] = AnalyzedOpportunity{
			Opportunity:        o,
			Content:            c,
			Scoring:            &scoring,
			RelevanceReasoning: s.RelevanceReasoning,
			Concerns:           concerns,
		}
	}
	return out
}

func contentEnhancementSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"id":                  {Type: genai.TypeString},
				"enhancedDescription": {Type: genai.TypeString},
				"actionableSummary":   {Type: genai.TypeString},
				"programOverview":     {Type: genai.TypeString},
				"programUseCases":     {Type: genai.TypeString},
				"applicationSummary":  {Type: genai.TypeString},
				"programInsights":     {Type: genai.TypeString},
			},
			Required: []string{"id", "enhancedDescription"},
		},
	}
}

func scoringSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"id": {Type: genai.TypeString},
				"scoring": {
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"clientRelevance":       {Type: genai.TypeNumber},
						"projectRelevance":      {Type: genai.TypeNumber},
						"fundingAttractiveness": {Type: genai.TypeNumber},
						"fundingType":           {Type: genai.TypeNumber},
						"overallScore":          {Type: genai.TypeNumber},
					},
				},
				"relevanceReasoning": {Type: genai.TypeString},
				"concerns": {
					Type:  genai.TypeArray,
					Items: &genai.Schema{Type: genai.TypeString},
				},
			},
			Required: []string{"id", "scoring"},
		},
	}
}

func buildContentEnhancementPrompt(input []Opportunity) string {
	var sb strings.Builder
	sb.WriteString("For each funding opportunity below, produce an enhanced description, ")
	sb.WriteString("an actionable summary, a program overview, use cases, an application summary, ")
	sb.WriteString("and program insights. Return a JSON array keyed by id.\n\n")
	for _, o := range input {
		fmt.Fprintf(&sb, "id: %s\ntitle: %s\ndescription: %s\n\n", o.ID, o.Title, o.Description)
	}
	return sb.String()
}

func buildScoringPrompt(input []Opportunity) string {
	var sb strings.Builder
	sb.WriteString("Score each funding opportunity below on clientRelevance, projectRelevance, ")
	sb.WriteString("fundingAttractiveness (0-3 each), fundingType (0-1), and overallScore (0-10). ")
	sb.WriteString("Return a JSON array keyed by id, with relevanceReasoning and concerns.\n\n")
	for _, o := range input {
		fmt.Fprintf(&sb, "id: %s\ntitle: %s\ndescription: %s\n\n", o.ID, o.Title, o.Description)
	}
	return sb.String()
}
