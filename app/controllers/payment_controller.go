package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/droplink/droplink-api/internal/pkg/billing"
	"github.com/droplink/droplink-api/internal/pkg/usercontext"
)

// PaymentCoordinator drives the Pi payment handshake.
type PaymentCoordinator interface {
	Prepare(ctx context.Context, req billing.PrepareRequest) (*billing.PaymentIntent, error)
	Approve(ctx context.Context, req billing.ApproveRequest) (*billing.ApproveResult, error)
	Complete(ctx context.Context, req billing.CompleteRequest) (*billing.CompletionResult, error)
	Cancel(ctx context.Context, req billing.CancelRequest) (billing.PaymentState, error)
	Fail(ctx context.Context, req billing.FailRequest) error
}

// PaymentController serves the server side callbacks of the Pi SDK payment flow.
type PaymentController struct {
	coordinator PaymentCoordinator
}

func NewPaymentController(coordinator PaymentCoordinator) *PaymentController {
	return &PaymentController{coordinator: coordinator}
}

// HandlePrepare returns the createPayment arguments for a plan purchase.
func (pc *PaymentController) HandlePrepare(c *fiber.Ctx) error {
	var req billing.PrepareRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Identity = usercontext.GetUsername(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	intent, err := pc.coordinator.Prepare(ctx, req)
	if err != nil {
		return plainPaymentErrorJSON(c, err)
	}
	return c.JSON(intent)
}

// HandleApprove is called from onReadyForServerApproval.
func (pc *PaymentController) HandleApprove(c *fiber.Ctx) error {
	var req billing.ApproveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Identity = usercontext.GetUsername(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := pc.coordinator.Approve(ctx, req)
	if err != nil {
		return paymentErrorJSON(c, err)
	}
	return c.JSON(result)
}

// HandleComplete is called from onReadyForServerCompletion. A response with
// reconcile_pending set is still a success for the client.
func (pc *PaymentController) HandleComplete(c *fiber.Ctx) error {
	var req billing.CompleteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Identity = usercontext.GetUsername(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := pc.coordinator.Complete(ctx, req)
	if err != nil {
		return paymentErrorJSON(c, err)
	}
	return c.JSON(result)
}

// HandleCancel is called from onCancel.
func (pc *PaymentController) HandleCancel(c *fiber.Ctx) error {
	var req billing.CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Identity = usercontext.GetUsername(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	state, err := pc.coordinator.Cancel(ctx, req)
	if err != nil {
		return plainPaymentErrorJSON(c, err)
	}
	return c.JSON(fiber.Map{
		"payment_id": req.PaymentID,
		"state":      state,
		"phase":      billing.PhaseCancelled,
	})
}

// HandleError is called from onError.
func (pc *PaymentController) HandleError(c *fiber.Ctx) error {
	var req billing.FailRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.Identity = usercontext.GetUsername(c)

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := pc.coordinator.Fail(ctx, req); err != nil {
		return plainPaymentErrorJSON(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}
