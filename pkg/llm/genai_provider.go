package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/EnergySystemsGroup/Meridian-ESG-sub000/pkg/logger"
)

// defaultModel is the Gemini model used for structured analysis calls.
const defaultModel = "gemini-2.0-flash"

// GenAIProviderConfig configures a GenAIProvider.
type GenAIProviderConfig struct {
	APIKey             string
	Model              string
	RequestsPerSecond  float64
	Logger             *slog.Logger
}

// GenAIProvider is the production Provider implementation, backed by
// google.golang.org/genai. It rate-limits outbound calls and retries
// rate-limit-class errors once per spec §5.
type GenAIProvider struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	log     *slog.Logger
	metrics metricsTracker
}

// NewGenAIProvider constructs a GenAIProvider. If cfg.APIKey is empty,
// IsConfigured reports false and calls fail fast with a clear error
// rather than reaching the network.
func NewGenAIProvider(ctx context.Context, cfg GenAIProviderConfig) (*GenAIProvider, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Scope("llm.genai"))

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}

	p := &GenAIProvider{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log,
	}

	if cfg.APIKey == "" {
		return p, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	p.client = client

	return p, nil
}

// IsConfigured reports whether the provider has a live client.
func (p *GenAIProvider) IsConfigured() bool {
	return p.client != nil
}

// CallWithSchema invokes the model once with a JSON-schema-constrained
// response. A rate-limit-class error (HTTP 429 / "RESOURCE_EXHAUSTED")
// triggers a single immediate retry, per spec §5.
func (p *GenAIProvider) CallWithSchema(ctx context.Context, prompt string, schema *genai.Schema) (*SchemaResult, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("llm: provider not configured")
	}

	result, err := p.callOnce(ctx, prompt, schema)
	if err != nil && isRateLimitError(err) {
		p.log.Warn("rate limited, retrying once", logger.Error(err))
		result, err = p.callOnce(ctx, prompt, schema)
	}
	return result, err
}

func (p *GenAIProvider) callOnce(ctx context.Context, prompt string, schema *genai.Schema) (*SchemaResult, error) {
	start := time.Now()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	apiStart := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	})
	apiMs := time.Since(apiStart).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("genai generate content: %w", err)
	}

	validationStart := time.Now()
	raw, err := extractJSONPayload(resp.Text())
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	validationMs := time.Since(validationStart).Milliseconds()

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	totalMs := time.Since(start).Milliseconds()
	p.metrics.record(usage.TotalTokens, time.Since(start))

	return &SchemaResult{
		Data: raw,
		Usage: usage,
		Performance: Performance{
			TotalMs:      totalMs,
			APICallMs:    apiMs,
			ValidationMs: validationMs,
		},
	}, nil
}

// BatchCallWithSchema fans out one CallWithSchema per prompt, bounded
// to maxConcurrent in flight, via golang.org/x/sync/errgroup. No caller
// in this repository uses it: AnalysisCoordinator makes one
// CallWithSchema per pass and has no per-opportunity fallback.
func (p *GenAIProvider) BatchCallWithSchema(ctx context.Context, prompts []string, schema *genai.Schema, maxConcurrent int) ([]*SchemaResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	results := make([]*SchemaResult, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, prompt := range prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			r, err := p.CallWithSchema(gctx, prompt, schema)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CalculateOptimalBatchSize derives a chunk-friendly batch size and
// token budget from the average description length of the pending
// items. Base figures are conservative defaults for defaultModel;
// callers may override via baseTokensHint/perItemHint.
func (p *GenAIProvider) CalculateOptimalBatchSize(avgDescriptionLength int, baseTokensHint, perItemHint *int) BatchSizing {
	const modelCapacity = 1_000_000 // gemini-2.0-flash context window

	baseTokens := 500
	if baseTokensHint != nil {
		baseTokens = *baseTokensHint
	}

	perItem := 150 + avgDescriptionLength/4 // ~4 chars/token heuristic
	if perItemHint != nil {
		perItem = *perItemHint
	}
	if perItem <= 0 {
		perItem = 1
	}

	maxTokens := modelCapacity / 4 // leave headroom for output + overhead
	batchSize := (maxTokens - baseTokens) / perItem
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > 25 {
		batchSize = 25
	}

	return BatchSizing{
		BatchSize:            batchSize,
		MaxTokens:            maxTokens,
		ModelName:            p.model,
		ModelCapacity:        modelCapacity,
		TokensPerOpportunity: perItem,
		BaseTokens:           baseTokens,
		Reason:               "derived from average description length and model context window",
	}
}

// GetPerformanceMetrics returns accumulated call metrics.
func (p *GenAIProvider) GetPerformanceMetrics() PerformanceMetrics {
	return p.metrics.snapshot()
}

func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota")
}

// extractJSONPayload tolerates three response shapes, per SPEC_FULL.md
// §D / spec §4.4: a bare JSON array, a {"analyses": [...]} wrapper, or
// a string containing JSON with surrounding prose — in which case the
// first balanced [...] or {...} block is extracted. Grounded on the
// teacher's ParseEntityExtractionOutput markdown-fence stripping.
func extractJSONPayload(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("empty or null llm payload")
	}

	if json.Valid([]byte(trimmed)) {
		var wrapper struct {
			Analyses json.RawMessage `json:"analyses"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && len(wrapper.Analyses) > 0 {
			return wrapper.Analyses, nil
		}
		return json.RawMessage(trimmed), nil
	}

	block, err := firstBalancedBlock(trimmed)
	if err != nil {
		return nil, fmt.Errorf("malformed llm payload: %w", err)
	}
	return block, nil
}

// firstBalancedBlock scans for the first balanced [...] or {...} block
// in s, tolerating surrounding prose.
func firstBalancedBlock(s string) (json.RawMessage, error) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '[' || s[i] == '{' {
			start = i
			open = s[i]
			if open == '[' {
				close = ']'
			} else {
				close = '}'
			}
			break
		}
	}
	if start == -1 {
		return nil, fmt.Errorf("no JSON block found")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("extracted block is not valid JSON")
				}
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("unbalanced JSON block")
}
