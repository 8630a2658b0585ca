package funding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPipelineWorkerConfig(t *testing.T) {
	cfg := DefaultPipelineWorkerConfig("funding-pipeline")

	assert.Equal(t, "funding-pipeline", cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.StaleThresholdMinutes)
	assert.True(t, cfg.RecoverStaleOnStart)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
}

func TestNewPipelineWorker_FillsZeroDefaults(t *testing.T) {
	w := NewPipelineWorker(PipelineWorkerConfig{Name: "w"}, discardLogger(),
		nil, nil, nil, nil, nil, nil, FilterConfig{}, nil, nil, nil)

	assert.Equal(t, 5*time.Second, w.config.PollInterval)
	assert.Equal(t, 10, w.config.StaleThresholdMinutes)
}

func TestBoolPtrStringPtr(t *testing.T) {
	b := boolPtr(true)
	assert.NotNil(t, b)
	assert.True(t, *b)

	s := stringPtr("x")
	assert.NotNil(t, s)
	assert.Equal(t, "x", *s)
}

func TestJobOutcome_EmptyQueue(t *testing.T) {
	outcome := JobOutcome{Processed: false, Message: "No jobs in queue"}
	assert.False(t, outcome.Processed)
	assert.Equal(t, "No jobs in queue", outcome.Message)
}
