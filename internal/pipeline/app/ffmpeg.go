package app

import (
	"context"
	"fmt"
	"os/exec"

	errprocess "video_pipeline_service/pkg/err"
)

// TranscodeToMP4 將 inputPath 重新編碼為標準化的 mp4，輸出到 outputPath
func TranscodeToMP4(ctx context.Context, inputPath, outputPath string) error {
	cmdArgs := []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errprocess.Set(fmt.Sprintf("FFmpeg 轉碼錯誤: %v, output: %s", err, string(output)))
	}
	return nil
}

// BurnInSubtitles 將字幕檔燒錄進影片，輸出到 outputPath
func BurnInSubtitles(ctx context.Context, videoPath, subtitlePath, outputPath string) error {
	cmdArgs := []string{
		"-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("subtitles=%s", subtitlePath),
		"-c:a", "copy",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errprocess.Set(fmt.Sprintf("FFmpeg 字幕燒錄錯誤: %v, output: %s", err, string(output)))
	}
	return nil
}
