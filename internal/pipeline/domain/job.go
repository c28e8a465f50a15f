package domain

import (
	"encoding/json"
	"time"
)

// JobStatus definition job status
type JobStatus string

const (
	// JobQueued job accepted, no stage dispatched yet
	JobQueued JobStatus = "queued"
	// JobRunning a stage is owned by a worker
	JobRunning JobStatus = "running"
	// JobCompleted every stage finished
	JobCompleted JobStatus = "completed"
	// JobFailed terminal failure, see ErrorDetail
	JobFailed JobStatus = "failed"
	// JobCancelled cancelled by an explicit request
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// StageName definition pipeline stage name
type StageName string

const (
	// StageTranscode re-encode the upload into a normalized mp4
	StageTranscode StageName = "transcode"
	// StageTranscribe speech to text, produces a subtitle file
	StageTranscribe StageName = "transcribe"
	// StageBurnIn burn the subtitle track into the video
	StageBurnIn StageName = "burnin"
	// StagePublish copy the final artifact to the public prefix
	StagePublish StageName = "publish"
)

// DefaultStages is the full pipeline in execution order.
func DefaultStages() []StageName {
	return []StageName{StageTranscode, StageTranscribe, StageBurnIn, StagePublish}
}

// JobSpec is what a client submits to start a pipeline run.
type JobSpec struct {
	SourceObject string      `validate:"required,startswith=uploads/"`
	Stages       []StageName `validate:"required,min=1,dive,oneof=transcode transcribe burnin publish"`
}

// Job 定義一個 pipeline 工作的持久化紀錄
// Only the orchestrator mutates it, and every mutation goes through the
// ledger's Transition so each job has a linear history.
type Job struct {
	ID           string `gorm:"primaryKey;size:36"`
	SourceObject string
	Stages       string // JSON-encoded ordered []StageName
	StageIndex   int
	StageAttempt int
	Status       string
	ResultObject string
	ErrorDetail  string
	StageResults string // JSON-encoded []StageExecution summaries
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StageList decodes the ordered stage list.
func (j *Job) StageList() []StageName {
	var stages []StageName
	if err := json.Unmarshal([]byte(j.Stages), &stages); err != nil {
		return nil
	}
	return stages
}

// ResultList decodes the summarized stage attempts.
func (j *Job) ResultList() []StageExecution {
	var results []StageExecution
	if j.StageResults == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(j.StageResults), &results); err != nil {
		return nil
	}
	return results
}

// StageOutcome definition one attempt outcome
type StageOutcome string

const (
	// OutcomeSuccess attempt produced its output object
	OutcomeSuccess StageOutcome = "success"
	// OutcomeTransient retryable failure (network, timeout)
	OutcomeTransient StageOutcome = "transient-failure"
	// OutcomeFatal not retryable (bad input, unsupported codec)
	OutcomeFatal StageOutcome = "fatal-failure"
)

// StageExecution 定義單一 stage attempt 的紀錄
// Created when a worker claims a dispatch, summarized into Job.StageResults
// when the attempt concludes.
type StageExecution struct {
	JobID        string       `json:"job_id"`
	Stage        StageName    `json:"stage"`
	StageIndex   int          `json:"stage_index"`
	Attempt      int          `json:"attempt"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	Outcome      StageOutcome `json:"outcome"`
	OutputObject string       `json:"output_object,omitempty"`
	ErrorDetail  string       `json:"error_detail,omitempty"`
}

// StageProgress is the ephemeral per-job progress entry kept outside the
// durable ledger (redis cache, TTL bound).
type StageProgress struct {
	JobID      string    `json:"job_id"`
	Stage      StageName `json:"stage"`
	StageIndex int       `json:"stage_index"`
	Attempt    int       `json:"attempt"`
	Percent    int       `json:"percent"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobStatusView is the poll projection served to clients.
type JobStatusView struct {
	JobID           string
	Status          JobStatus
	Stage           StageName
	StageIndex      int
	ProgressPercent int
	Detail          string
	DownloadURL     string
}

// JobEvent 發佈到 kafka 的工作生命週期事件
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Stage      StageName `json:"stage,omitempty"`
	StageIndex int       `json:"stage_index"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
