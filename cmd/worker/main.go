package main

import (
	"context"

	"github.com/hibiken/asynq"

	"crm-import/internal/config"
	"crm-import/internal/database"
	"crm-import/internal/utils"
	"crm-import/internal/worker"
)

func main() {
	log := utils.GetLogger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := utils.SetLogLevel(cfg.LogLevel); err != nil {
		log.Warnf("Keeping log level %s: %v", log.GetLevel(), err)
	}

	// Initialize database
	db, err := database.NewMySQL(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if cfg.DBAutoMigrate {
		if err := database.EnsureSchema(context.Background(), db); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
	}

	// Initialize Redis
	redisClient, err := database.NewRedis(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Create Asynq server
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPassword,
			DB:       cfg.AsynqRedisDB,
		},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				worker.ImportQueue: 1,
			},
			Logger:   log,
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.WithField("task", task.Type()).WithError(err).Error("Error processing task")
			}),
		},
	)

	// Register task handlers
	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, db, redisClient, cfg)

	// Run blocks until SIGINT or SIGTERM and shuts the server down gracefully
	log.Infof("Worker starting with concurrency: %d", cfg.WorkerConcurrency)
	if err := srv.Run(mux); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	log.Info("Worker exited")
}
