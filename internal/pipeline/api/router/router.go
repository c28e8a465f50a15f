package router

import (
	"video_pipeline_service/internal/pipeline/api/handlers"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes 註冊 pipeline 相關的路由
func RegisterRoutes(app *fiber.App, pipelineHandler *handlers.PipelineHandler) {
	app.Get("/api/get-upload-url", pipelineHandler.GetUploadURL)
	app.Post("/api/process-video", pipelineHandler.ProcessVideo)
	app.Get("/api/status/:taskId", pipelineHandler.GetStatus)
	app.Post("/api/cancel/:taskId", pipelineHandler.CancelTask)
}
