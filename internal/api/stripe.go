package api

import (
	"context"
	"errors"
	"io"

	"github.com/storyreel/billing-api/internal/services/auth"
	"github.com/storyreel/billing-api/internal/services/payments"
	"github.com/gofiber/fiber/v2"
)

type StripeHandler struct {
	paymentsService *payments.Service
}

func NewStripeHandler(paymentsService *payments.Service) *StripeHandler {
	return &StripeHandler{
		paymentsService: paymentsService,
	}
}

// HandleWebhook processes Stripe webhook events. The body must be read
// raw; any re-serialization would break signature verification.
func (h *StripeHandler) HandleWebhook(c *fiber.Ctx) error {
	payload, err := io.ReadAll(c.Context().RequestBodyStream())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read request body",
		})
	}

	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing Stripe-Signature header",
		})
	}

	if err := h.paymentsService.HandleWebhook(c.Context(), payload, signature); err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid webhook signature",
			})
		}

		// Non-2xx tells the provider to redeliver; the event row is left
		// in error state so the retry is actually reprocessed.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process webhook",
		})
	}

	return c.JSON(fiber.Map{"received": true})
}

// CheckoutRequest represents the request body for opening a checkout session
type CheckoutRequest struct {
	PriceID string `json:"price_id"`
}

// CreateSubscriptionCheckout opens a subscription checkout for the caller
func (h *StripeHandler) CreateSubscriptionCheckout(c *fiber.Ctx) error {
	return h.createCheckout(c, h.paymentsService.CreateSubscriptionCheckout)
}

// CreatePackCheckout opens a one-time credit pack checkout for the caller
func (h *StripeHandler) CreatePackCheckout(c *fiber.Ctx) error {
	return h.createCheckout(c, h.paymentsService.CreatePackCheckout)
}

func (h *StripeHandler) createCheckout(c *fiber.Ctx, create func(ctx context.Context, userID, priceID string) (*payments.CheckoutResult, error)) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.PriceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "price_id is required",
		})
	}

	result, err := create(c.Context(), userID, req.PriceID)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownPrice) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Unknown price id",
			})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to create checkout session",
		})
	}

	return c.JSON(result)
}

// ReconcileRequest represents the request body for manual reconciliation
type ReconcileRequest struct {
	SessionID string `json:"session_id"`
}

// Reconcile applies a paid checkout session whose webhook never arrived
func (h *StripeHandler) Reconcile(c *fiber.Ctx) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req ReconcileRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	result, err := h.paymentsService.ReconcileSession(c.Context(), userID, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSessionOwnership):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Session belongs to another user",
			})
		case errors.Is(err, payments.ErrSessionUnpaid):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Session is not paid",
			})
		default:
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "Failed to reconcile session",
			})
		}
	}

	return c.JSON(result)
}
