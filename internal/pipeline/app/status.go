package app

import (
	"context"
	"errors"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/internal/pipeline/repository"
	"video_pipeline_service/pkg/logger"

	"go.uber.org/zap"
)

// StatusQuery 提供輪詢用的唯讀狀態投影
// Poll only reads current state, it never blocks on pipeline progress,
// so clients may call it at arbitrary frequency.
type StatusQuery interface {
	Poll(ctx context.Context, jobID string) (*domain.JobStatusView, error)
}

type statusQuery struct {
	ledger   repository.JobLedger
	progress ProgressCache
	gateway  ArtifactGateway
}

// NewStatusQuery create StatusQuery
func NewStatusQuery(ledger repository.JobLedger, progress ProgressCache, gateway ArtifactGateway) StatusQuery {
	return &statusQuery{ledger: ledger, progress: progress, gateway: gateway}
}

// Poll 合併 ledger 快照與最新的進度快取
func (s *statusQuery) Poll(ctx context.Context, jobID string) (*domain.JobStatusView, error) {
	job, err := s.ledger.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &domain.JobStatusView{
		JobID:      job.ID,
		Status:     domain.JobStatus(job.Status),
		StageIndex: job.StageIndex,
		Detail:     job.ErrorDetail,
	}

	stages := job.StageList()
	if view.Status == domain.JobRunning && job.StageIndex < len(stages) {
		view.Stage = stages[job.StageIndex]

		p, ok, err := s.progress.Get(ctx, jobID)
		if err != nil {
			// 進度只是輔助資訊，快取失效時回報 0 即可
			logger.Log.Warn("讀取進度快取失敗", zap.String("job_id", jobID), zap.Error(err))
		} else if ok && p.StageIndex == job.StageIndex {
			view.ProgressPercent = p.Percent
		}
	}

	if view.Status == domain.JobCompleted {
		view.ProgressPercent = 100
		url, err := s.gateway.ResolveDownloadURL(ctx, job.ResultObject)
		switch {
		case errors.Is(err, domain.ErrObjectNotFound):
			// 成品已過期或被清掉，狀態照常回覆，只是沒有下載連結
			logger.Log.Warn("完成的 job 找不到成品物件",
				zap.String("job_id", jobID), zap.String("object", job.ResultObject))
		case err != nil:
			return nil, err
		default:
			view.DownloadURL = url
		}
	}

	return view, nil
}
