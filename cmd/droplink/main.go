package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/droplink/droplink-api/app/controllers"
	"github.com/droplink/droplink-api/app/repository"
	"github.com/droplink/droplink-api/internal/pkg/billing"
	"github.com/droplink/droplink-api/internal/pkg/cache"
	"github.com/droplink/droplink-api/internal/pkg/database"
	"github.com/droplink/droplink-api/internal/pkg/entitlements"
	"github.com/droplink/droplink-api/internal/pkg/env"
	"github.com/droplink/droplink-api/internal/pkg/jobqueue"
	"github.com/droplink/droplink-api/internal/pkg/logger"
	"github.com/droplink/droplink-api/internal/pkg/middleware"
	"github.com/droplink/droplink-api/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			logrus.WithError(err).Fatal("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.WithError(err).Warn("http shutdown incomplete")
	}
	manager.Stop()
	if err := cache.Close(); err != nil {
		logrus.WithError(err).Warn("closing redis failed")
	}
	logger.Flush()
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	logger.Setup()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	profiles := repository.GetGlobalFactory().GetProfileRepository()

	queue := jobqueue.NewQueue(cache.GetClient(), nil, env.GetEnvInt("RECONCILE_WORKERS", 3))
	coordinator := billing.NewCoordinatorFromDB(db, billing.NewPiClientFromEnv(),
		billing.WithReconcileQueue(queue),
	)
	queue.SetReconciler(coordinator)
	manager := jobqueue.NewManager(queue, jobqueue.DefaultSweepInterval)

	resolver := entitlements.NewResolver(profiles, coordinator.Repository(), env.GetEnvList("VIP_USERNAMES", ""))

	basePath := findBasePath()

	app := fiber.New(fiber.Config{
		AppName:   "DropLink API",
		BodyLimit: 1 << 20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			if code == fiber.StatusInternalServerError {
				logger.LogError("http_unhandled", err, map[string]interface{}{"path": c.Path()})
			}
			return c.Status(code).JSON(fiber.Map{"error": "request_failed", "message": err.Error()})
		},
	})

	// recovery and logging
	app.Use(recover.New(), fiberlogger.New())

	// SWAGGER / OPENAPI
	if _, err := os.Stat(basePath + "public/docs/v1/openapi.yml"); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	}

	// ROUTER
	router.InstallRouter(app, router.Handlers{
		Payments:       controllers.NewPaymentController(coordinator),
		Subscriptions:  controllers.NewSubscriptionController(coordinator),
		Entitlements:   controllers.NewEntitlementController(resolver),
		Webhooks:       controllers.NewWebhookController(coordinator, env.GetEnv("DROPPAY_WEBHOOK_SECRET", "")),
		LimiterStorage: middleware.NewRedisLimiterStorage(),
		Ready: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := cache.GetClient().Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	return app, manager
}

// findBasePath locates the project root from the working directory so the
// binary also runs from cmd/droplink.
func findBasePath() string {
	for _, path := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(path + "public"); err == nil {
			return path
		}
	}
	return "./"
}
