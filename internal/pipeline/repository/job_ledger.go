package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"video_pipeline_service/internal/pipeline/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Expectation narrows the compare-and-swap clause of a transition.
// Negative StageIndex/StageAttempt mean "any".
type Expectation struct {
	Status       domain.JobStatus
	StageIndex   int
	StageAttempt int
}

// Any 不限制 stage index / attempt
func Any(status domain.JobStatus) Expectation {
	return Expectation{Status: status, StageIndex: -1, StageAttempt: -1}
}

// JobLedger definition durable job record store
// 所有寫入都必須經過 Transition，保證每個 job 的狀態歷史是線性的。
type JobLedger interface {
	AutoMigrate() error
	Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	Transition(ctx context.Context, id string, expected Expectation, newStatus domain.JobStatus, patch map[string]any) error
	AppendStageResult(ctx context.Context, id string, exec domain.StageExecution) error
}

type jobLedger struct {
	db       *gorm.DB
	validate *validator.Validate
}

// NewJobLedger create JobLedger
func NewJobLedger(db *gorm.DB) JobLedger {
	return &jobLedger{
		db:       db,
		validate: validator.New(),
	}
}

// AutoMigrate create or update the jobs table
func (r *jobLedger) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Job{})
}

// Create validate the spec and insert a queued job record
func (r *jobLedger) Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if err := r.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err)
	}

	stages, err := json.Marshal(spec.Stages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSpec, err)
	}

	job := &domain.Job{
		ID:           uuid.NewString(),
		SourceObject: spec.SourceObject,
		Stages:       string(stages),
		StageIndex:   0,
		StageAttempt: 0,
		Status:       string(domain.JobQueued),
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("建立 job 紀錄失敗: %w", err)
	}
	return job, nil
}

// GetByID get job snapshot by id
func (r *jobLedger) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Transition compare-and-swap 狀態更新
// The UPDATE only applies when the stored status (and optionally stage
// index / attempt) matches the expectation. Zero rows affected means
// another worker won the race, or the job reached a terminal state; the
// caller must treat ErrConflictingTransition as a silent no-op.
func (r *jobLedger) Transition(ctx context.Context, id string, expected Expectation, newStatus domain.JobStatus, patch map[string]any) error {
	fields := map[string]any{
		"status":     string(newStatus),
		"updated_at": time.Now().UTC(),
	}
	for k, v := range patch {
		fields[k] = v
	}

	q := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, string(expected.Status))
	if expected.StageIndex >= 0 {
		q = q.Where("stage_index = ?", expected.StageIndex)
	}
	if expected.StageAttempt >= 0 {
		q = q.Where("stage_attempt = ?", expected.StageAttempt)
	}

	res := q.Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("job 狀態更新失敗: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrConflictingTransition
	}
	return nil
}

// AppendStageResult summarize one attempt into the job record
// Only the worker that won the claim for this attempt calls it, so the
// read-modify-write on the JSON history is single-writer. The CAS on the
// running status still rejects appends for jobs cancelled in the meantime.
func (r *jobLedger) AppendStageResult(ctx context.Context, id string, exec domain.StageExecution) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	results := job.ResultList()
	results = append(results, exec)
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("序列化 stage 結果失敗: %w", err)
	}

	return r.Transition(ctx, id,
		Expectation{Status: domain.JobRunning, StageIndex: exec.StageIndex, StageAttempt: -1},
		domain.JobRunning,
		map[string]any{"stage_results": string(data)},
	)
}
