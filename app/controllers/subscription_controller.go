package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/app/models"
	"github.com/droplink/droplink-api/internal/pkg/usercontext"
)

// SubscriptionService reads and cancels the stored subscription of an identity.
type SubscriptionService interface {
	GetSubscription(ctx context.Context, identity string) (*models.Subscription, error)
	CancelSubscription(ctx context.Context, identity string) (*models.Subscription, error)
}

type SubscriptionController struct {
	subscriptions SubscriptionService
}

func NewSubscriptionController(subscriptions SubscriptionService) *SubscriptionController {
	return &SubscriptionController{subscriptions: subscriptions}
}

// HandleGetSubscription returns the caller's subscription row, or null when
// there is none.
func (sc *SubscriptionController) HandleGetSubscription(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := sc.subscriptions.GetSubscription(ctx, usercontext.GetUsername(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{"subscription": nil})
		}
		return plainPaymentErrorJSON(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}

// HandleCancelSubscription turns off renewal for the caller.
func (sc *SubscriptionController) HandleCancelSubscription(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := sc.subscriptions.CancelSubscription(ctx, usercontext.GetUsername(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errorJSON(c, fiber.StatusNotFound, "not_found", "No subscription found")
		}
		return plainPaymentErrorJSON(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}
