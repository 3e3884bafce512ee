package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type SystemRouter struct {
	ready func() error
}

func (s SystemRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/monitor", monitor.New(monitor.Config{Title: "DropLink API"}))
}

func (s SystemRouter) handleHealth(c *fiber.Ctx) error {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "unavailable",
				"message": err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func NewSystemRouter(ready func() error) *SystemRouter {
	return &SystemRouter{ready: ready}
}
