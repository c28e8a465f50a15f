package app

import (
	"context"
	"fmt"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
)

// StageInput 單一 stage attempt 的輸入
// SourceObject is the object the stage should work on (the previous
// stage's output, or the original upload for the first stage).
// PriorOutputs lets later stages reach the outputs of earlier ones, e.g.
// burn-in needs both the transcoded video and the subtitle file.
type StageInput struct {
	JobID        string
	SourceObject string
	PriorOutputs map[domain.StageName]string
	Language     string
}

// StageOutput 單一 stage attempt 的輸出
type StageOutput struct {
	Object string
}

// Stage 定義一個 pipeline 處理單元
// Execute must be idempotent for identical input: outputs go to a
// content-derived object key and "output already exists" is treated as
// immediate success, so a crashed attempt can be re-run safely.
type Stage interface {
	Name() domain.StageName
	Execute(ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error)
}

// StageRunner executes one attempt of one stage with a wall-clock budget
// and classifies the outcome.
type StageRunner struct {
	stages  map[domain.StageName]Stage
	timeout time.Duration
}

// NewStageRunner create StageRunner
func NewStageRunner(timeout time.Duration, stages ...Stage) *StageRunner {
	m := make(map[domain.StageName]Stage, len(stages))
	for _, s := range stages {
		m[s.Name()] = s
	}
	return &StageRunner{stages: m, timeout: timeout}
}

// Run 執行一次 stage attempt
// Exceeding the timeout budget counts as a transient failure.
func (r *StageRunner) Run(ctx context.Context, name domain.StageName, in StageInput, progress ProgressSink) domain.StageExecution {
	exec := domain.StageExecution{
		JobID:     in.JobID,
		Stage:     name,
		StartedAt: time.Now().UTC(),
	}

	stage, ok := r.stages[name]
	if !ok {
		exec.FinishedAt = time.Now().UTC()
		exec.Outcome = domain.OutcomeFatal
		exec.ErrorDetail = fmt.Sprintf("unknown stage %q", name)
		return exec
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := stage.Execute(runCtx, in, progress)
	exec.FinishedAt = time.Now().UTC()
	exec.Outcome = domain.ClassifyOutcome(err)
	if err != nil {
		exec.ErrorDetail = err.Error()
		return exec
	}

	exec.OutputObject = out.Object
	return exec
}
