package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/droplink/droplink-api/internal/pkg/entitlements"
	"github.com/droplink/droplink-api/internal/pkg/usercontext"
)

// EntitlementResolver computes the effective plan of an identity.
type EntitlementResolver interface {
	Resolve(ctx context.Context, identity string) (entitlements.Snapshot, error)
}

type EntitlementController struct {
	resolver EntitlementResolver
}

func NewEntitlementController(resolver EntitlementResolver) *EntitlementController {
	return &EntitlementController{resolver: resolver}
}

// HandleGetEntitlements returns the caller's snapshot. A storage fault
// degrades to the free plan instead of failing the request.
func (ec *EntitlementController) HandleGetEntitlements(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	username := usercontext.GetUsername(c)
	snap, err := ec.resolver.Resolve(ctx, username)
	if err != nil {
		logrus.WithError(err).WithField("username", username).Warn("entitlement lookup failed, serving free plan")
	}
	return c.JSON(snap)
}

// HandleCheckFeature reports whether the caller may use one feature.
func (ec *EntitlementController) HandleCheckFeature(c *fiber.Ctx) error {
	feature := c.Params("feature")
	required, known := entitlements.MinimumPlanFor(feature)
	if !known {
		return errorJSON(c, fiber.StatusNotFound, "unknown_feature", "unknown feature "+feature)
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	username := usercontext.GetUsername(c)
	snap, err := ec.resolver.Resolve(ctx, username)
	if err != nil {
		logrus.WithError(err).WithField("username", username).Warn("entitlement lookup failed, serving free plan")
	}
	return c.JSON(fiber.Map{
		"feature":       feature,
		"allowed":       snap.Has(feature),
		"plan":          snap.Plan,
		"required_plan": required,
	})
}
