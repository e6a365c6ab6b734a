package api

import (
	"errors"
	"strconv"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/storyreel/billing-api/internal/services/auth"
	"github.com/storyreel/billing-api/internal/services/ledger"
	"github.com/storyreel/billing-api/internal/services/payments"
	"github.com/gofiber/fiber/v2"
)

// AdminHandler covers the operator surface: manual ledger adjustments,
// cycle resets, and the payment event audit trail. Routes using it must be
// behind RequireAdmin.
type AdminHandler struct {
	ledgerService   *ledger.Service
	paymentsService *payments.Service
}

func NewAdminHandler(ledgerService *ledger.Service, paymentsService *payments.Service) *AdminHandler {
	return &AdminHandler{
		ledgerService:   ledgerService,
		paymentsService: paymentsService,
	}
}

// AdjustRequest represents the request body for a manual ledger adjustment
type AdjustRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Pool   string `json:"pool"`
	Reason string `json:"reason"`
}

// Adjust applies a manual credit adjustment with a mandatory reason
func (h *AdminHandler) Adjust(c *fiber.Ctx) error {
	adminID, _ := auth.GetUserID(c)

	var req AdjustRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.Reason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and reason are required",
		})
	}

	pool := models.CreditPool(req.Pool)
	if pool != models.PoolMonthly && pool != models.PoolBonus {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "pool must be monthly or bonus",
		})
	}

	txn, err := h.ledgerService.AdminAdjust(c.Context(), models.AdminAdjustParams{
		UserID:  req.UserID,
		Amount:  req.Amount,
		Pool:    pool,
		Reason:  req.Reason,
		AdminID: adminID,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "amount must be non-zero",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to apply adjustment",
		})
	}

	return c.JSON(txn)
}

// ResetCycles rolls every account whose cycle window has lapsed
func (h *AdminHandler) ResetCycles(c *fiber.Ctx) error {
	count, err := h.ledgerService.ResetExpiredCycles(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reset cycles",
		})
	}

	return c.JSON(fiber.Map{"reset": count})
}

// GetUserStatus returns any user's ledger view for support work
func (h *AdminHandler) GetUserStatus(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	status, err := h.ledgerService.Status(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get credit status",
		})
	}

	return c.JSON(status)
}

// ListPaymentEvents pages through the webhook audit trail
func (h *AdminHandler) ListPaymentEvents(c *fiber.Ctx) error {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	status := models.EventStatus(c.Query("status"))

	events, err := h.paymentsService.ListEvents(c.Context(), status, limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list payment events",
		})
	}

	return c.JSON(fiber.Map{
		"events": events,
		"total":  len(events),
		"limit":  limit,
		"offset": offset,
	})
}
