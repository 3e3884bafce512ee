package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/internal/pkg/billing"
)

const requestTimeout = 20 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func badRequest(c *fiber.Ctx, message string) error {
	return errorJSON(c, fiber.StatusBadRequest, "invalid_request", message)
}

// paymentErrorJSON maps coordinator errors to HTTP. Payment failures name
// the handshake phase so the client can tell the user which step failed.
func paymentErrorJSON(c *fiber.Ctx, err error) error {
	var perr *billing.PaymentError
	if !errors.As(err, &perr) {
		return plainPaymentErrorJSON(c, err)
	}

	status, code := paymentStatus(perr.Err)
	if status == fiber.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"payment_id": perr.PaymentID,
			"phase":      perr.Phase,
		}).Error("payment request failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error":      code,
		"message":    perr.Error(),
		"phase":      perr.Phase,
		"payment_id": perr.PaymentID,
		"retryable":  perr.Retryable,
	})
}

func plainPaymentErrorJSON(c *fiber.Ctx, err error) error {
	status, code := paymentStatus(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		logrus.WithError(err).Error("payment request failed")
		message = "Payment request failed"
	}
	return errorJSON(c, status, code, message)
}

func paymentStatus(err error) (int, string) {
	var apiErr *billing.PiAPIError
	switch {
	case errors.Is(err, billing.ErrValidation):
		return fiber.StatusBadRequest, "invalid_request"
	case errors.Is(err, billing.ErrCancelled):
		return fiber.StatusConflict, "payment_cancelled"
	case errors.Is(err, billing.ErrAlreadyCompleted):
		return fiber.StatusConflict, "payment_completed"
	case errors.Is(err, billing.ErrPaymentInProgress):
		return fiber.StatusConflict, "payment_in_progress"
	case errors.Is(err, billing.ErrPaymentNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrNotConfigured):
		return fiber.StatusServiceUnavailable, "payments_unavailable"
	case errors.As(err, &apiErr), billing.IsRetryable(err):
		return fiber.StatusBadGateway, "pi_network_error"
	default:
		return fiber.StatusInternalServerError, "internal_server_error"
	}
}
