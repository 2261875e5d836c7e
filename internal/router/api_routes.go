package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"crm-import/internal/bitrix24"
	"crm-import/internal/config"
	"crm-import/internal/database"
	"crm-import/internal/handler"
	"crm-import/internal/repository"
	"crm-import/internal/service"
	"crm-import/internal/utils"
)

func SetupAPIRoutes(
	router fiber.Router,
	db *sqlx.DB,
	redis *redis.Client,
	cfg *config.Config,
) {
	logger := utils.GetLogger().WithField("app", cfg.AppName)

	// Initialize repositories
	jobRepo := repository.NewImportJobRepository(db)
	portalRepo := repository.NewPortalRepository(db)

	// Initialize services
	var tokens bitrix24.TokenStore = portalRepo
	clients := service.NewPortalClientFactory(cfg, tokens, logger)
	reports := service.NewErrorReportService()
	smartProcesses := service.NewSmartProcessService()

	// Live progress and the task queue are optional - only if Redis is available
	var progress service.ProgressReader
	var queue handler.TaskEnqueuer
	if redis != nil {
		progress = service.NewRedisProgress(redis, cfg.ProgressTTL)
		queue = asynq.NewClient(database.QueueRedisOpt(cfg))
	}

	// Initialize handlers
	importHandler := handler.NewImportHandler(jobRepo, portalRepo, queue, progress, reports, cfg, logger)
	smartProcessHandler := handler.NewSmartProcessHandler(portalRepo, clients, smartProcesses, logger)

	// Import routes
	imports := router.Group("/imports")
	imports.Post("/", importHandler.StartImport)
	imports.Get("/history", importHandler.GetHistory)
	imports.Get("/:id/status", importHandler.GetStatus)
	imports.Get("/:id/error-log", importHandler.DownloadErrorLog)

	// Smart process discovery
	smart := router.Group("/smart-processes")
	smart.Get("/", smartProcessHandler.GetSmartProcesses)
	smart.Get("/:entityTypeId/fields", smartProcessHandler.GetFields)
}
