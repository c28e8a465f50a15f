package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/pkg/database"
	"video_pipeline_service/pkg/logger"

	"go.uber.org/zap"
)

// stageDeps 各個 stage 共用的依賴
type stageDeps struct {
	store   database.MinIOClientRepo
	workDir string
}

// derivedKey 依內容推導出 stage 輸出的 object key
// The same job always produces the same key, so a re-run after a crash
// finds the existing output instead of duplicating side effects.
func derivedKey(stage domain.StageName, jobID, fileName string) string {
	return fmt.Sprintf("derived/%s/%s/%s", stage, jobID, fileName)
}

// outputReady check the derived output already exists and short-circuit
func (d stageDeps) outputReady(ctx context.Context, key string, progress ProgressSink) (bool, error) {
	exists, err := d.store.ObjectExists(ctx, key)
	if err != nil {
		return false, domain.Transient(err)
	}
	if exists {
		progress.Report(100)
		return true, nil
	}
	return false, nil
}

func (d stageDeps) localPath(jobID, fileName string) (string, error) {
	dir := filepath.Join(d.workDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", domain.Transient(fmt.Errorf("建立暫存目錄失敗: %w", err))
	}
	return filepath.Join(dir, fileName), nil
}

func (d stageDeps) cleanup(jobID string) {
	if err := os.RemoveAll(filepath.Join(d.workDir, jobID)); err != nil {
		logger.Log.Warn("清理暫存目錄失敗", zap.String("job_id", jobID), zap.Error(err))
	}
}

// TranscodeStage 重新編碼上傳檔為標準化 mp4
type TranscodeStage struct {
	deps stageDeps
}

// NewTranscodeStage create TranscodeStage
func NewTranscodeStage(store database.MinIOClientRepo, workDir string) *TranscodeStage {
	return &TranscodeStage{deps: stageDeps{store: store, workDir: workDir}}
}

// Name definition stage name
func (s *TranscodeStage) Name() domain.StageName { return domain.StageTranscode }

// Execute run the transcode attempt
func (s *TranscodeStage) Execute(ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
	outKey := derivedKey(domain.StageTranscode, in.JobID, "video.mp4")
	if ready, err := s.deps.outputReady(ctx, outKey, progress); err != nil || ready {
		return StageOutput{Object: outKey}, err
	}
	defer s.deps.cleanup(in.JobID)

	localIn, err := s.deps.localPath(in.JobID, "source")
	if err != nil {
		return StageOutput{}, err
	}
	if err := s.deps.store.DownloadFile(ctx, in.SourceObject, localIn); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(25)

	localOut, err := s.deps.localPath(in.JobID, "video.mp4")
	if err != nil {
		return StageOutput{}, err
	}
	// 編碼失敗視為輸入有問題 (例如不支援的 codec)，不重試
	if err := TranscodeToMP4(ctx, localIn, localOut); err != nil {
		if ctx.Err() != nil {
			return StageOutput{}, domain.Transient(err)
		}
		return StageOutput{}, domain.Fatal(err)
	}
	progress.Report(80)

	if err := s.deps.store.UploadFile(ctx, outKey, localOut, "video/mp4"); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(100)

	return StageOutput{Object: outKey}, nil
}

// TranscribeStage whisper 語音轉字幕
type TranscribeStage struct {
	deps stageDeps
}

// NewTranscribeStage create TranscribeStage
func NewTranscribeStage(store database.MinIOClientRepo, workDir string) *TranscribeStage {
	return &TranscribeStage{deps: stageDeps{store: store, workDir: workDir}}
}

// Name definition stage name
func (s *TranscribeStage) Name() domain.StageName { return domain.StageTranscribe }

// Execute run the transcribe attempt
func (s *TranscribeStage) Execute(ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
	outKey := derivedKey(domain.StageTranscribe, in.JobID, "subtitles.srt")
	if ready, err := s.deps.outputReady(ctx, outKey, progress); err != nil || ready {
		return StageOutput{Object: outKey}, err
	}
	defer s.deps.cleanup(in.JobID)

	localIn, err := s.deps.localPath(in.JobID, "video.mp4")
	if err != nil {
		return StageOutput{}, err
	}
	if err := s.deps.store.DownloadFile(ctx, in.SourceObject, localIn); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(20)

	srtPath, err := TranscribeToSRT(ctx, localIn, filepath.Dir(localIn), in.Language)
	if err != nil {
		if ctx.Err() != nil {
			return StageOutput{}, domain.Transient(err)
		}
		return StageOutput{}, domain.Fatal(err)
	}
	progress.Report(85)

	if err := s.deps.store.UploadFile(ctx, outKey, srtPath, "application/x-subrip"); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(100)

	return StageOutput{Object: outKey}, nil
}

// BurnInStage 將字幕燒錄進轉碼後的影片
type BurnInStage struct {
	deps stageDeps
}

// NewBurnInStage create BurnInStage
func NewBurnInStage(store database.MinIOClientRepo, workDir string) *BurnInStage {
	return &BurnInStage{deps: stageDeps{store: store, workDir: workDir}}
}

// Name definition stage name
func (s *BurnInStage) Name() domain.StageName { return domain.StageBurnIn }

// Execute run the burn-in attempt
func (s *BurnInStage) Execute(ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
	outKey := derivedKey(domain.StageBurnIn, in.JobID, "video.mp4")
	if ready, err := s.deps.outputReady(ctx, outKey, progress); err != nil || ready {
		return StageOutput{Object: outKey}, err
	}

	videoObject, ok := in.PriorOutputs[domain.StageTranscode]
	if !ok {
		videoObject = in.SourceObject
	}
	subtitleObject, ok := in.PriorOutputs[domain.StageTranscribe]
	if !ok {
		return StageOutput{}, domain.Fatal(fmt.Errorf("burn-in 缺少字幕輸入"))
	}
	defer s.deps.cleanup(in.JobID)

	localVideo, err := s.deps.localPath(in.JobID, "video.mp4")
	if err != nil {
		return StageOutput{}, err
	}
	if err := s.deps.store.DownloadFile(ctx, videoObject, localVideo); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(20)

	localSub, err := s.deps.localPath(in.JobID, "subtitles.srt")
	if err != nil {
		return StageOutput{}, err
	}
	if err := s.deps.store.DownloadFile(ctx, subtitleObject, localSub); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(35)

	localOut, err := s.deps.localPath(in.JobID, "burned.mp4")
	if err != nil {
		return StageOutput{}, err
	}
	if err := BurnInSubtitles(ctx, localVideo, localSub, localOut); err != nil {
		if ctx.Err() != nil {
			return StageOutput{}, domain.Transient(err)
		}
		return StageOutput{}, domain.Fatal(err)
	}
	progress.Report(85)

	if err := s.deps.store.UploadFile(ctx, outKey, localOut, "video/mp4"); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(100)

	return StageOutput{Object: outKey}, nil
}

// PublishStage 將最終成品複製到公開的 processed/ 前綴
type PublishStage struct {
	deps stageDeps
}

// NewPublishStage create PublishStage
func NewPublishStage(store database.MinIOClientRepo, workDir string) *PublishStage {
	return &PublishStage{deps: stageDeps{store: store, workDir: workDir}}
}

// Name definition stage name
func (s *PublishStage) Name() domain.StageName { return domain.StagePublish }

// Execute run the publish attempt (server-side copy, no local work)
func (s *PublishStage) Execute(ctx context.Context, in StageInput, progress ProgressSink) (StageOutput, error) {
	outKey := fmt.Sprintf("processed/%s/video.mp4", in.JobID)
	if ready, err := s.deps.outputReady(ctx, outKey, progress); err != nil || ready {
		return StageOutput{Object: outKey}, err
	}

	if err := s.deps.store.CopyObject(ctx, in.SourceObject, outKey); err != nil {
		return StageOutput{}, domain.Transient(err)
	}
	progress.Report(100)

	return StageOutput{Object: outKey}, nil
}
