package api

import (
	"errors"
	"strconv"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/storyreel/billing-api/internal/services/auth"
	"github.com/storyreel/billing-api/internal/services/ledger"
	"github.com/gofiber/fiber/v2"
)

type CreditsHandler struct {
	ledgerService *ledger.Service
}

func NewCreditsHandler(ledgerService *ledger.Service) *CreditsHandler {
	return &CreditsHandler{
		ledgerService: ledgerService,
	}
}

// GetStatus returns the caller's tier, remaining credits per pool, and
// recent transactions
func (h *CreditsHandler) GetStatus(c *fiber.Ctx) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
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

// ReserveRequest represents the request body for reserving credits
type ReserveRequest struct {
	Amount    int64          `json:"amount"`
	RequestID string         `json:"request_id"`
	Feature   string         `json:"feature,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Reserve places a hold on credits ahead of a metered operation. Replays
// of the same request_id return the original result.
func (h *CreditsHandler) Reserve(c *fiber.Ctx) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req ReserveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.ledgerService.Reserve(c.Context(), models.ReserveParams{
		UserID:    userID,
		Amount:    req.Amount,
		RequestID: req.RequestID,
		Feature:   req.Feature,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return h.mapLedgerError(c, err)
	}

	return c.JSON(result)
}

// SettleRequest represents the request body for commit/release/refund
type SettleRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// Commit finalizes a reservation after the metered operation succeeded
func (h *CreditsHandler) Commit(c *fiber.Ctx) error {
	return h.settle(c, func(userID string, req SettleRequest) error {
		return h.ledgerService.Commit(c.Context(), userID, req.RequestID)
	})
}

// Release returns a held reservation after the metered operation failed
func (h *CreditsHandler) Release(c *fiber.Ctx) error {
	return h.settle(c, func(userID string, req SettleRequest) error {
		return h.ledgerService.Release(c.Context(), userID, req.RequestID)
	})
}

// Refund returns credits for a committed reservation
func (h *CreditsHandler) Refund(c *fiber.Ctx) error {
	return h.settle(c, func(userID string, req SettleRequest) error {
		return h.ledgerService.Refund(c.Context(), userID, req.RequestID, req.Reason)
	})
}

func (h *CreditsHandler) settle(c *fiber.Ctx, apply func(string, SettleRequest) error) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req SettleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "request_id is required",
		})
	}

	if err := apply(userID, req); err != nil {
		return h.mapLedgerError(c, err)
	}

	return c.JSON(fiber.Map{"ok": true})
}

// ConsumeRequest represents the request body for single-step consumption
type ConsumeRequest struct {
	Amount      int64          `json:"amount"`
	RequestID   string         `json:"request_id"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Consume deducts credits in one step for operations with no failure window
func (h *CreditsHandler) Consume(c *fiber.Ctx) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req ConsumeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	result, err := h.ledgerService.Consume(c.Context(), models.ConsumeParams{
		UserID:      userID,
		Amount:      req.Amount,
		RequestID:   req.RequestID,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return h.mapLedgerError(c, err)
	}

	return c.JSON(result)
}

// GetTransactionHistoryResponse represents paged transaction history
type GetTransactionHistoryResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	Total        int                        `json:"total"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

// GetTransactionHistory retrieves the caller's ledger history
func (h *CreditsHandler) GetTransactionHistory(c *fiber.Ctx) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	transactions, err := h.ledgerService.GetTransactionHistory(c.Context(), userID, limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get transaction history",
		})
	}

	return c.JSON(GetTransactionHistoryResponse{
		Transactions: transactions,
		Total:        len(transactions),
		Limit:        limit,
		Offset:       offset,
	})
}

func (h *CreditsHandler) mapLedgerError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error": "Insufficient credits",
		})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrMissingRequestID):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, ledger.ErrReservationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Reservation not found",
		})
	case errors.Is(err, ledger.ErrAlreadyCommitted), errors.Is(err, ledger.ErrAlreadySettled):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, ledger.ErrVersionConflict):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Ledger contention, retry the request",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Ledger operation failed",
		})
	}
}
