package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"crm-import/internal/config"
)

func Setup(app *fiber.App, db *sqlx.DB, redis *redis.Client, cfg *config.Config) {
	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{
			"status":   "ok",
			"app":      cfg.AppName,
			"database": db != nil,
			"redis":    redis != nil,
		}
		if db != nil {
			if err := db.PingContext(c.UserContext()); err != nil {
				status["status"] = "degraded"
				status["database"] = false
			}
		}
		return c.JSON(status)
	})

	// API routes (JSON)
	api := app.Group("/api/v1")
	SetupAPIRoutes(api, db, redis, cfg)
}
