package worker

import (
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"crm-import/internal/bitrix24"
	"crm-import/internal/config"
	"crm-import/internal/repository"
	"crm-import/internal/service"
	"crm-import/internal/utils"
)

func RegisterHandlers(mux *asynq.ServeMux, db *sqlx.DB, redis *redis.Client, cfg *config.Config) {
	logger := utils.GetLogger().WithField("app", cfg.AppName)

	jobRepo := repository.NewImportJobRepository(db)
	portalRepo := repository.NewPortalRepository(db)

	var tokens bitrix24.TokenStore = portalRepo
	clients := service.NewPortalClientFactory(cfg, tokens, logger)

	var progress service.ProgressPublisher
	if redis != nil {
		progress = service.NewRedisProgress(redis, cfg.ProgressTTL)
	}

	importService := service.NewImportService(jobRepo, portalRepo, clients, progress, service.ImportOptions{
		MaxRetries:       cfg.ImportMaxRetries,
		ProgressInterval: cfg.ImportProgressInterval,
		Location:         cfg.Location(),
	}, logger)

	handler := NewImportTaskHandler(importService, logger)
	mux.HandleFunc(TypeImportProcess, handler.Handle)
}
