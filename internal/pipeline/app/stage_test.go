package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"video_pipeline_service/internal/pipeline/domain"

	"github.com/stretchr/testify/assert"
)

func TestStageRunnerClassifiesOutcomes(t *testing.T) {
	transientStage := &stubStage{
		name: domain.StageTranscode,
		fn: func(int, context.Context, StageInput, ProgressSink) (StageOutput, error) {
			return StageOutput{}, domain.Transient(fmt.Errorf("dial tcp: timeout"))
		},
	}
	fatalStage := &stubStage{
		name: domain.StageTranscribe,
		fn: func(int, context.Context, StageInput, ProgressSink) (StageOutput, error) {
			return StageOutput{}, domain.Fatal(fmt.Errorf("corrupt input"))
		},
	}
	runner := NewStageRunner(time.Second, transientStage, fatalStage)
	sink := NewProgressReporter(newMemProgressCache(), domain.StageProgress{JobID: "job-1"})

	exec := runner.Run(context.Background(), domain.StageTranscode, StageInput{JobID: "job-1"}, sink)
	assert.Equal(t, domain.OutcomeTransient, exec.Outcome)

	exec = runner.Run(context.Background(), domain.StageTranscribe, StageInput{JobID: "job-1"}, sink)
	assert.Equal(t, domain.OutcomeFatal, exec.Outcome)

	exec = runner.Run(context.Background(), domain.StageBurnIn, StageInput{JobID: "job-1"}, sink)
	assert.Equal(t, domain.OutcomeFatal, exec.Outcome)
	assert.Contains(t, exec.ErrorDetail, "unknown stage")
}

func TestStageRunnerTimeoutIsTransient(t *testing.T) {
	slow := &stubStage{
		name: domain.StageTranscode,
		fn: func(_ int, ctx context.Context, _ StageInput, _ ProgressSink) (StageOutput, error) {
			<-ctx.Done()
			return StageOutput{}, ctx.Err()
		},
	}
	runner := NewStageRunner(20*time.Millisecond, slow)
	sink := NewProgressReporter(newMemProgressCache(), domain.StageProgress{JobID: "job-1"})

	exec := runner.Run(context.Background(), domain.StageTranscode, StageInput{JobID: "job-1"}, sink)

	assert.Equal(t, domain.OutcomeTransient, exec.Outcome)
}
