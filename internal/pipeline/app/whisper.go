package app

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	errprocess "video_pipeline_service/pkg/err"
)

// TranscribeToSRT 呼叫 whisper CLI 產生字幕檔，回傳 srt 路徑
func TranscribeToSRT(ctx context.Context, inputPath, outputDir, language string) (string, error) {
	cmdArgs := []string{
		inputPath,
		"--language", language,
		"--output_format", "srt",
		"--output_dir", outputDir,
	}
	cmd := exec.CommandContext(ctx, "whisper", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", errprocess.Set(fmt.Sprintf("whisper 轉錄錯誤: %v, output: %s", err, string(output)))
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(outputDir, base+".srt"), nil
}
