package app

import (
	"context"
	"testing"

	"video_pipeline_service/internal/pipeline/domain"

	"github.com/stretchr/testify/assert"
)

func TestProgressReporterIsMonotonic(t *testing.T) {
	cache := newMemProgressCache()
	sink := NewProgressReporter(cache, domain.StageProgress{
		JobID: "job-1", Stage: domain.StageTranscode, StageIndex: 0, Attempt: 1,
	})

	sink.Report(10)
	sink.Report(50)
	sink.Report(30) // 倒退的回報必須被丟棄
	sink.Report(70)

	last := -1
	for _, p := range cache.history {
		assert.GreaterOrEqual(t, p, last)
		last = p
	}

	p, ok, err := cache.Get(context.Background(), "job-1")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 70, p.Percent)
}

func TestProgressReporterClampsAndStopsAfterFull(t *testing.T) {
	cache := newMemProgressCache()
	sink := NewProgressReporter(cache, domain.StageProgress{JobID: "job-2", Attempt: 1})

	sink.Report(-5)
	sink.Report(120) // clamp 到 100
	sink.Report(40)  // 已回報 100 之後不得再回報

	p, ok, err := cache.Get(context.Background(), "job-2")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100, p.Percent)

	for _, h := range cache.history {
		assert.LessOrEqual(t, h, 100)
		assert.GreaterOrEqual(t, h, 0)
	}
	assert.Equal(t, 100, cache.history[len(cache.history)-1])
}
