package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/internal/pipeline/repository"
	"video_pipeline_service/pkg/logger"

	"go.uber.org/zap"
)

// OrchestratorOptions 重試與逾時策略設定
type OrchestratorOptions struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	TranscribeLanguage string
}

// Orchestrator 依序推進每個 job 的 pipeline stages
// Correctness under multiple workers relies entirely on the ledger's
// compare-and-swap transition: a worker only executes a stage attempt
// after winning the claim, losers drop the dispatch silently. Late
// results for cancelled jobs are discarded the same way, every result
// transition expects the running status.
type Orchestrator struct {
	ledger     repository.JobLedger
	runner     *StageRunner
	dispatcher StageDispatcher
	progress   ProgressCache
	events     JobEventPublisher
	opts       OrchestratorOptions

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewOrchestrator create Orchestrator
func NewOrchestrator(
	ledger repository.JobLedger,
	runner *StageRunner,
	dispatcher StageDispatcher,
	progress ProgressCache,
	events JobEventPublisher,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Orchestrator{
		ledger:     ledger,
		runner:     runner,
		dispatcher: dispatcher,
		progress:   progress,
		events:     events,
		opts:       opts,
		inflight:   make(map[string]context.CancelFunc),
	}
}

// Submit 建立 ledger 紀錄並派發第一個 stage
func (o *Orchestrator) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	job, err := o.ledger.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	o.publishEvent(ctx, job.ID, domain.JobQueued, "", 0, "")

	msg := domain.DispatchMessage{JobID: job.ID, StageIndex: 0, Attempt: 1}
	if err := o.dispatcher.Dispatch(ctx, msg); err != nil {
		return job.ID, fmt.Errorf("派發第一個 stage 失敗: %w", err)
	}
	return job.ID, nil
}

// Cancel 將 queued 或 running 的 job 轉為 cancelled
// An in-flight attempt on this worker is interrupted best-effort; late
// results from other workers are rejected by the ledger CAS anyway.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	err := o.ledger.Transition(ctx, jobID, repository.Any(domain.JobQueued), domain.JobCancelled, nil)
	if errors.Is(err, domain.ErrConflictingTransition) {
		err = o.ledger.Transition(ctx, jobID, repository.Any(domain.JobRunning), domain.JobCancelled, nil)
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	cancel := o.inflight[jobID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := o.progress.Drop(ctx, jobID); err != nil {
		logger.Log.Warn("清除進度快取失敗", zap.String("job_id", jobID), zap.Error(err))
	}
	o.publishEvent(ctx, jobID, domain.JobCancelled, "", 0, "")
	return nil
}

// HandleDispatch 處理一則派工訊息，由 queue consumer 呼叫
// Returning a non-nil error asks the consumer to requeue the message;
// everything after a successful claim is resolved in place.
func (o *Orchestrator) HandleDispatch(ctx context.Context, msg domain.DispatchMessage) error {
	job, err := o.ledger.GetByID(ctx, msg.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Log.Warn("派工訊息指向不存在的 job", zap.String("job_id", msg.JobID))
		return nil
	}
	if err != nil {
		return err
	}
	if domain.JobStatus(job.Status).Terminal() {
		return nil
	}

	// 贏得 claim 才能執行；輸掉代表別的 worker 已接手或 job 已取消
	expected := repository.Expectation{
		Status:       domain.JobRunning,
		StageIndex:   msg.StageIndex,
		StageAttempt: msg.Attempt - 1,
	}
	if msg.StageIndex == 0 && msg.Attempt == 1 {
		expected.Status = domain.JobQueued
	}
	claimErr := o.ledger.Transition(ctx, msg.JobID, expected, domain.JobRunning,
		map[string]any{"stage_attempt": msg.Attempt})
	if errors.Is(claimErr, domain.ErrConflictingTransition) {
		return o.recoverLostAttempt(ctx, msg)
	}
	if errors.Is(claimErr, domain.ErrNotFound) {
		return nil
	}
	if claimErr != nil {
		return claimErr
	}

	stages := job.StageList()
	if msg.StageIndex >= len(stages) {
		logger.Log.Error("派工訊息的 stage index 超出範圍",
			zap.String("job_id", msg.JobID), zap.Int("stage_index", msg.StageIndex))
		return nil
	}
	name := stages[msg.StageIndex]

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	o.track(msg.JobID, cancelAttempt)
	defer o.untrack(msg.JobID)

	sink := NewProgressReporter(o.progress, domain.StageProgress{
		JobID:      msg.JobID,
		Stage:      name,
		StageIndex: msg.StageIndex,
		Attempt:    msg.Attempt,
	})

	exec := o.runner.Run(attemptCtx, name, o.buildInput(job, msg.StageIndex), sink)
	exec.StageIndex = msg.StageIndex
	exec.Attempt = msg.Attempt

	switch exec.Outcome {
	case domain.OutcomeSuccess:
		o.advance(ctx, msg, stages, exec)
	case domain.OutcomeFatal:
		o.appendResult(ctx, msg.JobID, exec)
		o.fail(ctx, msg, exec.Stage, exec.ErrorDetail)
	default:
		o.appendResult(ctx, msg.JobID, exec)
		o.retryOrFail(ctx, msg, exec)
	}
	return nil
}

// recoverLostAttempt 處理已被 claim 卻重送的派工訊息
// The broker only redelivers a message its consumer never acked, so a
// redelivery whose attempt is already recorded in the ledger means the
// claiming worker died before concluding it. Hand the work to the next
// attempt (its claim CAS keeps the hand-off exclusive), or mark the job
// failed when the attempt budget is spent; either way the job still
// converges to a terminal state.
func (o *Orchestrator) recoverLostAttempt(ctx context.Context, msg domain.DispatchMessage) error {
	job, err := o.ledger.GetByID(ctx, msg.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != string(domain.JobRunning) ||
		job.StageIndex != msg.StageIndex ||
		job.StageAttempt != msg.Attempt {
		// 別的 worker 擁有這個 job 或已經推進，正常輸掉 claim
		return nil
	}

	stages := job.StageList()
	var stage domain.StageName
	if msg.StageIndex < len(stages) {
		stage = stages[msg.StageIndex]
	}

	if msg.Attempt >= o.opts.MaxAttempts {
		detail := fmt.Sprintf("%s: attempt %d lost before completion", domain.ErrRetryLimitExceeded.Error(), msg.Attempt)
		o.fail(ctx, msg, stage, detail)
		return nil
	}

	logger.Log.Warn("claim 過的 attempt 沒有結果，交給下一個 attempt",
		zap.String("job_id", msg.JobID),
		zap.String("stage", string(stage)),
		zap.Int("attempt", msg.Attempt),
	)
	next := domain.DispatchMessage{JobID: msg.JobID, StageIndex: msg.StageIndex, Attempt: msg.Attempt + 1}
	if err := o.dispatcher.Dispatch(ctx, next); err != nil {
		return fmt.Errorf("重新派發遺失的 attempt 失敗: %w", err)
	}
	return nil
}

// advance 紀錄成功結果並推進到下一個 stage 或完成
func (o *Orchestrator) advance(ctx context.Context, msg domain.DispatchMessage, stages []domain.StageName, exec domain.StageExecution) {
	if !o.appendResult(ctx, msg.JobID, exec) {
		return // cancelled in the meantime, discard the late result
	}

	expected := repository.Expectation{Status: domain.JobRunning, StageIndex: msg.StageIndex, StageAttempt: -1}
	last := msg.StageIndex == len(stages)-1

	if last {
		err := o.ledger.Transition(ctx, msg.JobID, expected, domain.JobCompleted, map[string]any{
			"stage_index":   msg.StageIndex + 1,
			"stage_attempt": 0,
			"result_object": exec.OutputObject,
		})
		if errors.Is(err, domain.ErrConflictingTransition) || errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err != nil {
			logger.Log.Errorf("完成狀態更新失敗:", err, zap.String("job_id", msg.JobID))
			return
		}
		if err := o.progress.Drop(ctx, msg.JobID); err != nil {
			logger.Log.Warn("清除進度快取失敗", zap.String("job_id", msg.JobID), zap.Error(err))
		}
		o.publishEvent(ctx, msg.JobID, domain.JobCompleted, exec.Stage, msg.StageIndex, "")
		return
	}

	err := o.ledger.Transition(ctx, msg.JobID, expected, domain.JobRunning, map[string]any{
		"stage_index":   msg.StageIndex + 1,
		"stage_attempt": 0,
	})
	if errors.Is(err, domain.ErrConflictingTransition) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Log.Errorf("推進 stage index 失敗:", err, zap.String("job_id", msg.JobID))
		return
	}

	next := domain.DispatchMessage{JobID: msg.JobID, StageIndex: msg.StageIndex + 1, Attempt: 1}
	if err := o.dispatcher.Dispatch(ctx, next); err != nil {
		logger.Log.Errorf("派發下一個 stage 失敗:", err, zap.String("job_id", msg.JobID))
	}
}

// retryOrFail 暫時性失敗：在限制內以指數退避重新派工，否則標記失敗
func (o *Orchestrator) retryOrFail(ctx context.Context, msg domain.DispatchMessage, exec domain.StageExecution) {
	if msg.Attempt >= o.opts.MaxAttempts {
		detail := fmt.Sprintf("%s: %s", domain.ErrRetryLimitExceeded.Error(), exec.ErrorDetail)
		o.fail(ctx, msg, exec.Stage, detail)
		return
	}

	next := domain.DispatchMessage{JobID: msg.JobID, StageIndex: msg.StageIndex, Attempt: msg.Attempt + 1}
	delay := o.backoffDelay(msg.Attempt)
	logger.Log.Warn("stage 暫時性失敗，排程重試",
		zap.String("job_id", msg.JobID),
		zap.String("stage", string(exec.Stage)),
		zap.Int("attempt", msg.Attempt),
		zap.Duration("delay", delay),
	)
	if err := o.dispatcher.DispatchAfter(ctx, next, delay); err != nil {
		logger.Log.Errorf("重試派工失敗:", err, zap.String("job_id", next.JobID))
	}
}

// fail 將 job 標記為 failed (已取消的 job 由 CAS 擋下)
func (o *Orchestrator) fail(ctx context.Context, msg domain.DispatchMessage, stage domain.StageName, detail string) {
	expected := repository.Expectation{Status: domain.JobRunning, StageIndex: msg.StageIndex, StageAttempt: -1}
	err := o.ledger.Transition(ctx, msg.JobID, expected, domain.JobFailed, map[string]any{
		"error_detail": detail,
	})
	if errors.Is(err, domain.ErrConflictingTransition) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Log.Errorf("失敗狀態更新失敗:", err, zap.String("job_id", msg.JobID))
		return
	}
	if err := o.progress.Drop(ctx, msg.JobID); err != nil {
		logger.Log.Warn("清除進度快取失敗", zap.String("job_id", msg.JobID), zap.Error(err))
	}
	o.publishEvent(ctx, msg.JobID, domain.JobFailed, stage, msg.StageIndex, detail)
}

// appendResult 將 attempt 摘要寫回 ledger，回傳是否仍持有這個 job
func (o *Orchestrator) appendResult(ctx context.Context, jobID string, exec domain.StageExecution) bool {
	err := o.ledger.AppendStageResult(ctx, jobID, exec)
	if errors.Is(err, domain.ErrConflictingTransition) || errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if err != nil {
		logger.Log.Errorf("寫入 stage 結果失敗:", err, zap.String("job_id", jobID))
		return false
	}
	return true
}

// buildInput 以前面 stage 的輸出組出這次 attempt 的輸入
func (o *Orchestrator) buildInput(job *domain.Job, stageIndex int) StageInput {
	outputs := make(map[domain.StageName]string)
	for _, r := range job.ResultList() {
		if r.Outcome == domain.OutcomeSuccess {
			outputs[r.Stage] = r.OutputObject
		}
	}

	source := job.SourceObject
	stages := job.StageList()
	if stageIndex > 0 && stageIndex <= len(stages) {
		if prev, ok := outputs[stages[stageIndex-1]]; ok {
			source = prev
		}
	}

	return StageInput{
		JobID:        job.ID,
		SourceObject: source,
		PriorOutputs: outputs,
		Language:     o.opts.TranscribeLanguage,
	}
}

// backoffDelay 指數退避加上抖動，避免 workers 同步重試
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	d := o.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.opts.BackoffMax {
			d = o.opts.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func (o *Orchestrator) publishEvent(ctx context.Context, jobID string, status domain.JobStatus, stage domain.StageName, stageIndex int, detail string) {
	ev := domain.JobEvent{
		JobID:      jobID,
		Status:     status,
		Stage:      stage,
		StageIndex: stageIndex,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		logger.Log.Warn("發布工作事件失敗", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) track(jobID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inflight[jobID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(jobID string) {
	o.mu.Lock()
	delete(o.inflight, jobID)
	o.mu.Unlock()
}
