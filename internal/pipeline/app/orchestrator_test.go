package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/internal/pipeline/repository"
	"video_pipeline_service/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "pipeline_test_log")
	if err != nil {
		panic(err)
	}
	logger.Log = logger.Initialize("pipeline_test", dir)
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// === 以下為測試用的 in-memory fakes，CAS 語意與 gorm ledger 相同 ===

type memLedger struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemLedger() *memLedger {
	return &memLedger{jobs: make(map[string]*domain.Job)}
}

func (l *memLedger) AutoMigrate() error { return nil }

func (l *memLedger) Create(_ context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if len(spec.Stages) == 0 || !strings.HasPrefix(spec.SourceObject, "uploads/") {
		return nil, domain.ErrInvalidSpec
	}
	stages, _ := json.Marshal(spec.Stages)
	job := &domain.Job{
		ID:           uuid.NewString(),
		SourceObject: spec.SourceObject,
		Stages:       string(stages),
		Status:       string(domain.JobQueued),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := *job
	l.jobs[job.ID] = &copied
	return job, nil
}

func (l *memLedger) GetByID(_ context.Context, id string) (*domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (l *memLedger) Transition(_ context.Context, id string, expected repository.Expectation, newStatus domain.JobStatus, patch map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != string(expected.Status) {
		return domain.ErrConflictingTransition
	}
	if expected.StageIndex >= 0 && job.StageIndex != expected.StageIndex {
		return domain.ErrConflictingTransition
	}
	if expected.StageAttempt >= 0 && job.StageAttempt != expected.StageAttempt {
		return domain.ErrConflictingTransition
	}

	job.Status = string(newStatus)
	for k, v := range patch {
		switch k {
		case "stage_index":
			job.StageIndex = v.(int)
		case "stage_attempt":
			job.StageAttempt = v.(int)
		case "result_object":
			job.ResultObject = v.(string)
		case "error_detail":
			job.ErrorDetail = v.(string)
		case "stage_results":
			job.StageResults = v.(string)
		}
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *memLedger) AppendStageResult(ctx context.Context, id string, exec domain.StageExecution) error {
	job, err := l.GetByID(ctx, id)
	if err != nil {
		return err
	}
	results := append(job.ResultList(), exec)
	data, _ := json.Marshal(results)
	return l.Transition(ctx, id,
		repository.Expectation{Status: domain.JobRunning, StageIndex: exec.StageIndex, StageAttempt: -1},
		domain.JobRunning,
		map[string]any{"stage_results": string(data)},
	)
}

type chanDispatcher struct {
	ch chan domain.DispatchMessage
}

func newChanDispatcher() *chanDispatcher {
	return &chanDispatcher{ch: make(chan domain.DispatchMessage, 64)}
}

func (d *chanDispatcher) Dispatch(_ context.Context, msg domain.DispatchMessage) error {
	d.ch <- msg
	return nil
}

func (d *chanDispatcher) DispatchAfter(_ context.Context, msg domain.DispatchMessage, delay time.Duration) error {
	time.AfterFunc(delay, func() { d.ch <- msg })
	return nil
}

type memProgressCache struct {
	mu      sync.Mutex
	entries map[string]domain.StageProgress
	history []int
}

func newMemProgressCache() *memProgressCache {
	return &memProgressCache{entries: make(map[string]domain.StageProgress)}
}

func (c *memProgressCache) Put(_ context.Context, p domain.StageProgress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.JobID] = p
	c.history = append(c.history, p.Percent)
	return nil
}

func (c *memProgressCache) Get(_ context.Context, jobID string) (domain.StageProgress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[jobID]
	return p, ok, nil
}

func (c *memProgressCache) Drop(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
	return nil
}

type stubStage struct {
	name domain.StageName
	mu   sync.Mutex
	call int
	fn   func(call int, ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error)
}

func (s *stubStage) Name() domain.StageName { return s.name }

func (s *stubStage) Execute(ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
	s.mu.Lock()
	s.call++
	call := s.call
	s.mu.Unlock()
	return s.fn(call, ctx, in, progress)
}

func (s *stubStage) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func succeedStage(name domain.StageName) *stubStage {
	return &stubStage{
		name: name,
		fn: func(_ int, _ context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
			progress.Report(100)
			return StageOutput{Object: fmt.Sprintf("derived/%s/%s/out", name, in.JobID)}, nil
		},
	}
}

type fakeGateway struct{}

func (fakeGateway) IssueUploadGrant(context.Context, string, int64) (*domain.ArtifactGrant, error) {
	return &domain.ArtifactGrant{URL: "http://store/upload", Fields: map[string]string{"key": "uploads/x"}}, nil
}

func (fakeGateway) ResolveDownloadURL(_ context.Context, objectRef string) (string, error) {
	return "http://store/download/" + objectRef, nil
}

type missingObjectGateway struct{ fakeGateway }

func (missingObjectGateway) ResolveDownloadURL(context.Context, string) (string, error) {
	return "", domain.ErrObjectNotFound
}

type orchestratorFixture struct {
	ledger     *memLedger
	dispatcher *chanDispatcher
	progress   *memProgressCache
	orch       *Orchestrator
}

func newOrchestratorFixture(opts OrchestratorOptions, stages ...Stage) *orchestratorFixture {
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 2 * time.Millisecond
	}
	f := &orchestratorFixture{
		ledger:     newMemLedger(),
		dispatcher: newChanDispatcher(),
		progress:   newMemProgressCache(),
	}
	runner := NewStageRunner(time.Second, stages...)
	f.orch = NewOrchestrator(f.ledger, runner, f.dispatcher, f.progress, NopEventPublisher{}, opts)
	return f
}

// runUntilTerminal 模擬 queue consumer，把派工訊息逐一交給 orchestrator
func (f *orchestratorFixture) runUntilTerminal(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.ledger.GetByID(context.Background(), jobID)
		assert.NoError(t, err)
		if domain.JobStatus(job.Status).Terminal() {
			return job
		}
		select {
		case msg := <-f.dispatcher.ch:
			assert.NoError(t, f.orch.HandleDispatch(context.Background(), msg))
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("job 沒有在期限內到達終態")
	return nil
}

func submitJob(t *testing.T, f *orchestratorFixture, stages ...domain.StageName) string {
	t.Helper()
	jobID, err := f.orch.Submit(context.Background(), domain.JobSpec{
		SourceObject: "uploads/demo.mp4",
		Stages:       stages,
	})
	assert.NoError(t, err)
	return jobID
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	f := newOrchestratorFixture(OrchestratorOptions{}, succeedStage(domain.StageTranscode))

	_, err := f.orch.Submit(context.Background(), domain.JobSpec{SourceObject: "uploads/demo.mp4"})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = f.orch.Submit(context.Background(), domain.JobSpec{
		SourceObject: "somewhere/else.mp4",
		Stages:       []domain.StageName{domain.StageTranscode},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestPipelineCompletesAllStages(t *testing.T) {
	f := newOrchestratorFixture(OrchestratorOptions{},
		succeedStage(domain.StageTranscode),
		succeedStage(domain.StageTranscribe),
		succeedStage(domain.StageBurnIn),
	)
	jobID := submitJob(t, f, domain.StageTranscode, domain.StageTranscribe, domain.StageBurnIn)

	job := f.runUntilTerminal(t, jobID)

	assert.Equal(t, string(domain.JobCompleted), job.Status)
	assert.Equal(t, 3, job.StageIndex)
	assert.NotEmpty(t, job.ResultObject)
	assert.Len(t, job.ResultList(), 3)

	// poll 投影應該帶出 download url
	status := NewStatusQuery(f.ledger, f.progress, fakeGateway{})
	view, err := status.Poll(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, view.Status)
	assert.Equal(t, 100, view.ProgressPercent)
	assert.NotEmpty(t, view.DownloadURL)
}

func TestFatalFailureStopsWithoutRetry(t *testing.T) {
	transcribe := &stubStage{
		name: domain.StageTranscribe,
		fn: func(int, context.Context, StageInput, ProgressSink) (StageOutput, error) {
			return StageOutput{}, domain.Fatal(fmt.Errorf("unsupported codec"))
		},
	}
	f := newOrchestratorFixture(OrchestratorOptions{},
		succeedStage(domain.StageTranscode),
		transcribe,
		succeedStage(domain.StageBurnIn),
	)
	jobID := submitJob(t, f, domain.StageTranscode, domain.StageTranscribe, domain.StageBurnIn)

	job := f.runUntilTerminal(t, jobID)

	assert.Equal(t, string(domain.JobFailed), job.Status)
	assert.Equal(t, 1, job.StageIndex)
	assert.Equal(t, 1, transcribe.calls())
	assert.Contains(t, job.ErrorDetail, "unsupported codec")
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	transcode := &stubStage{
		name: domain.StageTranscode,
		fn: func(call int, _ context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
			if call < 3 {
				return StageOutput{}, domain.Transient(fmt.Errorf("connection reset"))
			}
			progress.Report(100)
			return StageOutput{Object: "derived/transcode/" + in.JobID + "/out"}, nil
		},
	}
	f := newOrchestratorFixture(OrchestratorOptions{MaxAttempts: 3}, transcode)
	jobID := submitJob(t, f, domain.StageTranscode)

	job := f.runUntilTerminal(t, jobID)

	assert.Equal(t, string(domain.JobCompleted), job.Status)
	assert.Equal(t, 3, transcode.calls())
}

func TestRetryLimitExceededFailsJob(t *testing.T) {
	transcode := &stubStage{
		name: domain.StageTranscode,
		fn: func(int, context.Context, StageInput, ProgressSink) (StageOutput, error) {
			return StageOutput{}, domain.Transient(fmt.Errorf("connection reset"))
		},
	}
	f := newOrchestratorFixture(OrchestratorOptions{MaxAttempts: 3}, transcode)
	jobID := submitJob(t, f, domain.StageTranscode)

	job := f.runUntilTerminal(t, jobID)

	assert.Equal(t, string(domain.JobFailed), job.Status)
	assert.Equal(t, 3, transcode.calls())
	assert.Contains(t, job.ErrorDetail, domain.ErrRetryLimitExceeded.Error())
}

func TestRedeliveredClaimRecoversLostAttempt(t *testing.T) {
	transcode := succeedStage(domain.StageTranscode)
	f := newOrchestratorFixture(OrchestratorOptions{MaxAttempts: 3}, transcode)
	jobID := submitJob(t, f, domain.StageTranscode)
	msg := <-f.dispatcher.ch

	// 模擬贏得 claim 後就掛掉的 worker：attempt 已寫進 ledger，stage 沒跑完
	err := f.ledger.Transition(context.Background(), jobID,
		repository.Expectation{Status: domain.JobQueued, StageIndex: 0, StageAttempt: 0},
		domain.JobRunning,
		map[string]any{"stage_attempt": 1},
	)
	assert.NoError(t, err)

	// broker 重送同一則訊息，必須把工作交給下一個 attempt
	assert.NoError(t, f.orch.HandleDispatch(context.Background(), msg))

	job := f.runUntilTerminal(t, jobID)

	assert.Equal(t, string(domain.JobCompleted), job.Status)
	assert.Equal(t, 1, transcode.calls())
	assert.Equal(t, 1, job.StageIndex)
}

func TestLostFinalAttemptFailsJob(t *testing.T) {
	transcode := succeedStage(domain.StageTranscode)
	f := newOrchestratorFixture(OrchestratorOptions{MaxAttempts: 1}, transcode)
	jobID := submitJob(t, f, domain.StageTranscode)
	msg := <-f.dispatcher.ch

	err := f.ledger.Transition(context.Background(), jobID,
		repository.Expectation{Status: domain.JobQueued, StageIndex: 0, StageAttempt: 0},
		domain.JobRunning,
		map[string]any{"stage_attempt": 1},
	)
	assert.NoError(t, err)

	// 預算只有一個 attempt 又遺失了，job 必須收斂到 failed
	assert.NoError(t, f.orch.HandleDispatch(context.Background(), msg))

	job, err := f.ledger.GetByID(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Equal(t, string(domain.JobFailed), job.Status)
	assert.Equal(t, 0, transcode.calls())
	assert.Contains(t, job.ErrorDetail, domain.ErrRetryLimitExceeded.Error())
}

func TestPollServesCompletedJobWithoutDownloadURL(t *testing.T) {
	f := newOrchestratorFixture(OrchestratorOptions{}, succeedStage(domain.StageTranscode))
	jobID := submitJob(t, f, domain.StageTranscode)
	f.runUntilTerminal(t, jobID)

	// 成品物件已過期時，輪詢仍要回覆狀態，只是少了下載連結
	status := NewStatusQuery(f.ledger, f.progress, missingObjectGateway{})
	view, err := status.Poll(context.Background(), jobID)

	assert.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, view.Status)
	assert.Equal(t, 100, view.ProgressPercent)
	assert.Empty(t, view.DownloadURL)
}

func TestConcurrentWorkersExecuteStageOnce(t *testing.T) {
	transcode := succeedStage(domain.StageTranscode)
	f := newOrchestratorFixture(OrchestratorOptions{}, transcode)
	jobID := submitJob(t, f, domain.StageTranscode)
	msg := <-f.dispatcher.ch

	// N 個 worker 搶同一則派工訊息，只有一個能贏得 CAS
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.HandleDispatch(context.Background(), msg))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transcode.calls())

	job, err := f.ledger.GetByID(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Equal(t, string(domain.JobCompleted), job.Status)
}

func TestCancelDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	transcode := &stubStage{
		name: domain.StageTranscode,
		fn: func(_ int, _ context.Context, in StageInput, _ ProgressSink) (StageOutput, error) {
			close(started)
			<-release
			return StageOutput{Object: "derived/transcode/" + in.JobID + "/out"}, nil
		},
	}
	f := newOrchestratorFixture(OrchestratorOptions{}, transcode)
	jobID := submitJob(t, f, domain.StageTranscode)
	msg := <-f.dispatcher.ch

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, f.orch.HandleDispatch(context.Background(), msg))
	}()

	<-started
	assert.NoError(t, f.orch.Cancel(context.Background(), jobID))

	// stage 的遲到結果必須被忽略
	close(release)
	<-done

	job, err := f.ledger.GetByID(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Equal(t, string(domain.JobCancelled), job.Status)
	assert.Empty(t, job.ResultObject)
	assert.Empty(t, job.ResultList())
}

func TestCancelQueuedJob(t *testing.T) {
	f := newOrchestratorFixture(OrchestratorOptions{}, succeedStage(domain.StageTranscode))
	jobID := submitJob(t, f, domain.StageTranscode)

	assert.NoError(t, f.orch.Cancel(context.Background(), jobID))

	// 取消後才送達的派工訊息是 no-op
	msg := <-f.dispatcher.ch
	assert.NoError(t, f.orch.HandleDispatch(context.Background(), msg))

	job, err := f.ledger.GetByID(context.Background(), jobID)
	assert.NoError(t, err)
	assert.Equal(t, string(domain.JobCancelled), job.Status)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newOrchestratorFixture(OrchestratorOptions{}, succeedStage(domain.StageTranscode))
	jobID := submitJob(t, f, domain.StageTranscode)
	f.runUntilTerminal(t, jobID)

	err := f.orch.Cancel(context.Background(), jobID)
	assert.ErrorIs(t, err, domain.ErrConflictingTransition)
}
