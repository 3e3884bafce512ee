package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/droplink/droplink-api/app/controllers"
	"github.com/droplink/droplink-api/internal/pkg/middleware"
)

type ApiRouter struct {
	handlers Handlers
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	v1 := api.Group("/v1")

	// Provider callbacks carry no Pi identity and are authenticated by
	// signature, so they are mounted ahead of the identity and limiter
	// middleware.
	if h.handlers.Webhooks != nil {
		v1.Post("/webhooks/droppay", h.handlers.Webhooks.HandleDropPayWebhook)
	}

	api.Use(middleware.PiIdentityMiddleware, middleware.RateLimiter(h.handlers.LimiterStorage))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from droplink api",
		})
	})

	v1.Get("/plans", controllers.HandleListPlans)

	if ents := h.handlers.Entitlements; ents != nil {
		v1.Get("/entitlements", ents.HandleGetEntitlements)
		v1.Get("/entitlements/:feature", ents.HandleCheckFeature)
	}

	if subs := h.handlers.Subscriptions; subs != nil {
		v1.Get("/subscription", middleware.RequirePiIdentity, subs.HandleGetSubscription)
		v1.Delete("/subscription", middleware.RequirePiIdentity, subs.HandleCancelSubscription)
	}

	if payments := h.handlers.Payments; payments != nil {
		// Every callback acts on a payment owned by the caller.
		pay := v1.Group("/payments", middleware.RequirePiIdentity)
		pay.Post("/prepare", payments.HandlePrepare)
		pay.Post("/approve", payments.HandleApprove)
		pay.Post("/complete", payments.HandleComplete)
		pay.Post("/cancel", payments.HandleCancel)
		pay.Post("/error", payments.HandleError)
	}
}

func NewApiRouter(h Handlers) *ApiRouter {
	return &ApiRouter{handlers: h}
}
