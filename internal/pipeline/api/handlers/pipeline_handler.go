package handlers

import (
	"errors"
	"net/http"

	"video_pipeline_service/internal/pipeline/app"
	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/pkg/config"
	"video_pipeline_service/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// PipelineHandler definition pipeline handler
// Error responses stay generic, internal detail only goes to the log.
type PipelineHandler struct {
	Gateway      app.ArtifactGateway
	Orchestrator *app.Orchestrator
	Status       app.StatusQuery
	Upload       config.UploadConfig
}

// GetUploadURL 簽發一次性的上傳授權
func (h *PipelineHandler) GetUploadURL(c *fiber.Ctx) error {
	grant, err := h.Gateway.IssueUploadGrant(c.Context(), h.Upload.ContentTypePrefix, h.Upload.MaxSizeBytes)
	if err != nil {
		logger.Log.Errorf("簽發上傳授權失敗:", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"message": "Error generating upload URL"})
	}

	return c.JSON(fiber.Map{
		"url":    grant.URL,
		"fields": grant.Fields,
	})
}

// processVideoReq definition process-video request body
type processVideoReq struct {
	Filename string `json:"filename"`
}

// ProcessVideo 為剛上傳的檔案建立 job 並啟動 pipeline
func (h *PipelineHandler) ProcessVideo(c *fiber.Ctx) error {
	var req processVideoReq
	if err := c.BodyParser(&req); err != nil || req.Filename == "" {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "filename is required"})
	}

	spec := domain.JobSpec{
		SourceObject: "uploads/" + req.Filename,
		Stages:       domain.DefaultStages(),
	}
	jobID, err := h.Orchestrator.Submit(c.Context(), spec)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSpec) {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		logger.Log.Errorf("建立 job 失敗:", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "processing failed to start"})
	}

	return c.JSON(fiber.Map{"taskId": jobID})
}

// GetStatus 輪詢 job 目前的狀態
func (h *PipelineHandler) GetStatus(c *fiber.Ctx) error {
	taskID := c.Params("taskId")

	view, err := h.Status.Poll(c.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
		}
		logger.Log.Errorf("查詢 job 狀態失敗:", err)
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "status unavailable"})
	}

	resp := fiber.Map{
		"status":   statusText(view),
		"progress": view.ProgressPercent,
	}
	if view.Stage != "" {
		resp["stage"] = string(view.Stage)
	}
	if view.DownloadURL != "" {
		resp["downloadUrl"] = view.DownloadURL
	}
	return c.JSON(resp)
}

// CancelTask 取消 queued 或 running 的 job
func (h *PipelineHandler) CancelTask(c *fiber.Ctx) error {
	taskID := c.Params("taskId")

	if err := h.Orchestrator.Cancel(c.Context(), taskID); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "task not found"})
		case errors.Is(err, domain.ErrConflictingTransition):
			return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "task already finished"})
		default:
			logger.Log.Errorf("取消 job 失敗:", err)
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "cancel failed"})
		}
	}

	return c.JSON(fiber.Map{"status": string(domain.JobCancelled)})
}

// statusText 對外只露出粗粒度的狀態字串
// Running jobs report the current processing phase; failures stay generic.
func statusText(view *domain.JobStatusView) string {
	switch view.Status {
	case domain.JobRunning:
		if view.Stage != "" {
			return string(view.Stage)
		}
		return "processing"
	default:
		return string(view.Status)
	}
}
