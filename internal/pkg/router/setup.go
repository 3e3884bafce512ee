package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/droplink/droplink-api/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Handlers bundles the controllers mounted by the routers.
type Handlers struct {
	Payments      *controllers.PaymentController
	Subscriptions *controllers.SubscriptionController
	Entitlements  *controllers.EntitlementController
	Webhooks      *controllers.WebhookController
	// LimiterStorage backs the /api rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// Ready reports dependency health for /health.
	Ready func() error
}

func InstallRouter(app *fiber.App, h Handlers) {
	// System routes go first so health checks and metrics never pass through
	// the API rate limiter.
	setup(app, NewSystemRouter(h.Ready), NewApiRouter(h))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
