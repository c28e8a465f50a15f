package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/pkg/database"
	"video_pipeline_service/pkg/logger"

	"go.uber.org/zap"
)

// ProgressCache 暫存每個 job 最新的進度，不屬於持久化的 ledger
type ProgressCache interface {
	Put(ctx context.Context, p domain.StageProgress) error
	Get(ctx context.Context, jobID string) (domain.StageProgress, bool, error)
	Drop(ctx context.Context, jobID string) error
}

type redisProgressCache struct {
	repo database.RedisRepository[domain.StageProgress]
	ttl  time.Duration
}

// NewProgressCache create ProgressCache backed by redis
func NewProgressCache(repo database.RedisRepository[domain.StageProgress], ttl time.Duration) ProgressCache {
	return &redisProgressCache{repo: repo, ttl: ttl}
}

func progressKey(jobID string) string {
	return "progress:" + jobID
}

func (c *redisProgressCache) Put(ctx context.Context, p domain.StageProgress) error {
	return c.repo.Set(ctx, progressKey(p.JobID), p, c.ttl)
}

func (c *redisProgressCache) Get(ctx context.Context, jobID string) (domain.StageProgress, bool, error) {
	p, err := c.repo.Get(ctx, progressKey(jobID))
	if errors.Is(err, database.ErrRedisNil) {
		return domain.StageProgress{}, false, nil
	}
	if err != nil {
		return domain.StageProgress{}, false, err
	}
	return p, true, nil
}

func (c *redisProgressCache) Drop(ctx context.Context, jobID string) error {
	return c.repo.Del(ctx, progressKey(jobID))
}

// ProgressSink 接收單一 stage attempt 的進度百分比
type ProgressSink interface {
	Report(percent int)
}

// progressReporter guards the sink contract: values are clamped to
// [0,100], never decrease, and nothing is reported after 100.
type progressReporter struct {
	mu    sync.Mutex
	last  int
	done  bool
	cache ProgressCache
	base  domain.StageProgress
}

// NewProgressReporter create a monotonic ProgressSink writing to the cache
func NewProgressReporter(cache ProgressCache, base domain.StageProgress) ProgressSink {
	return &progressReporter{cache: cache, base: base}
}

func (s *progressReporter) Report(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	s.mu.Lock()
	if s.done || percent < s.last {
		s.mu.Unlock()
		return
	}
	s.last = percent
	if percent == 100 {
		s.done = true
	}
	entry := s.base
	entry.Percent = percent
	entry.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.cache.Put(ctx, entry); err != nil {
		logger.Log.Warn("寫入進度快取失敗",
			zap.String("job_id", entry.JobID),
			zap.Int("percent", percent),
			zap.Error(err),
		)
	}
}
