package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/droplink/droplink-api/app/models"
	"github.com/droplink/droplink-api/internal/pkg/billing"
	"github.com/droplink/droplink-api/internal/pkg/env"
	"github.com/droplink/droplink-api/internal/pkg/metrics"
)

const HeaderDropPaySignature = "X-Droppay-Signature"

// WebhookProcessor persists provider deliveries and applies completed
// purchases.
type WebhookProcessor interface {
	RecordWebhookEvent(ctx context.Context, in billing.WebhookEventInput) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error
	ApplyExternalCompletion(ctx context.Context, in billing.ExternalCompletion) (*billing.CompletionResult, error)
}

type WebhookController struct {
	processor     WebhookProcessor
	secret        string
	allowUnsigned bool
	log           *logrus.Entry
}

// NewWebhookController creates the DropPay webhook handler. Without a secret
// deliveries are accepted unsigned in development and refused elsewhere.
func NewWebhookController(processor WebhookProcessor, secret string) *WebhookController {
	wc := &WebhookController{
		processor:     processor,
		secret:        strings.TrimSpace(secret),
		allowUnsigned: env.IsDev(),
		log:           logrus.WithField("component", "droppay_webhook"),
	}
	if wc.secret == "" {
		if wc.allowUnsigned {
			wc.log.Warn("DROPPAY_WEBHOOK_SECRET is empty, accepting unsigned webhooks")
		} else {
			wc.log.Error("DROPPAY_WEBHOOK_SECRET is empty, refusing webhooks")
		}
	}
	return wc
}

func (wc *WebhookController) HandleDropPayWebhook(c *fiber.Ctx) error {
	if wc.secret == "" && !wc.allowUnsigned {
		return wc.respond(c, "unknown", fiber.StatusServiceUnavailable, fiber.Map{"error": "webhook_unconfigured"})
	}
	rawBody := append([]byte(nil), c.BodyRaw()...)
	if !json.Valid(rawBody) {
		return wc.respond(c, "invalid", fiber.StatusBadRequest, fiber.Map{"error": "invalid_payload"})
	}

	event, parseErr := billing.ParseDropPayWebhook(rawBody)
	eventType := "unknown"
	eventID := firstHeaderValue(c, "X-Droppay-Delivery", "X-Droppay-Event-Id")
	if parseErr == nil {
		eventType = webhookEventType(event.Status)
		if eventID == "" {
			eventID = event.EventID
		}
	}

	signatureValid := billing.VerifyDropPayWebhookSignature(rawBody, c.Get(HeaderDropPaySignature), wc.secret)

	ctx, cancel := requestContext(c)
	defer cancel()

	created, stored, err := wc.processor.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.PaymentProviderDropPay,
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         rawBody,
		SignatureValid:  signatureValid,
	})
	if err != nil {
		wc.log.WithError(err).Error("failed to persist webhook event")
		return wc.respond(c, eventType, fiber.StatusInternalServerError, fiber.Map{"error": "webhook_persist_failed"})
	}
	// A duplicate whose first delivery never finished is processed again.
	if !created && stored.ProcessedAt != nil {
		return wc.respond(c, eventType, fiber.StatusOK, fiber.Map{"ok": true, "duplicate": true})
	}

	if wc.secret != "" && !signatureValid {
		wc.markProcessed(ctx, stored.ID, errors.New("invalid webhook signature"))
		return wc.respond(c, eventType, fiber.StatusUnauthorized, fiber.Map{"error": "invalid_signature"})
	}
	if parseErr != nil {
		wc.markProcessed(ctx, stored.ID, parseErr)
		return wc.respond(c, eventType, fiber.StatusBadRequest, fiber.Map{"error": "invalid_payload"})
	}
	if !event.IsSubscriptionPurchase() {
		wc.markProcessed(ctx, stored.ID, nil)
		return wc.respond(c, eventType, fiber.StatusOK, fiber.Map{"ok": true, "ignored": true})
	}

	completion, err := event.ExternalCompletion()
	if err != nil {
		wc.markProcessed(ctx, stored.ID, err)
		return wc.respond(c, eventType, fiber.StatusBadRequest, fiber.Map{"error": "invalid_payload", "message": err.Error()})
	}

	result, applyErr := wc.processor.ApplyExternalCompletion(ctx, completion)
	wc.markProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		status, code := paymentStatus(applyErr)
		if status == fiber.StatusInternalServerError {
			wc.log.WithError(applyErr).WithField("payment_id", completion.PaymentID).Error("failed to apply droppay completion")
		}
		return wc.respond(c, eventType, status, fiber.Map{"error": code})
	}

	return wc.respond(c, eventType, fiber.StatusOK, fiber.Map{
		"ok":                   true,
		"payment_id":           result.PaymentID,
		"subscription_applied": result.SubscriptionApplied,
	})
}

func (wc *WebhookController) markProcessed(ctx context.Context, id uint, processingErr error) {
	if err := wc.processor.MarkWebhookProcessed(ctx, id, processingErr); err != nil {
		wc.log.WithError(err).WithField("webhook_event_id", id).Warn("failed to mark webhook event processed")
	}
}

func (wc *WebhookController) respond(c *fiber.Ctx, eventType string, status int, body fiber.Map) error {
	metrics.WebhookRequests.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	return c.Status(status).JSON(body)
}

// webhookEventType keeps the metric label set bounded.
func webhookEventType(status string) string {
	switch status {
	case "completed", "pending", "failed", "cancelled", "refunded":
		return status
	case "":
		return "unknown"
	default:
		return "other"
	}
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
