package transfer

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/congo-pay/payment_engine/internal/ledger"
	"github.com/congo-pay/payment_engine/internal/money"
)

// Handler exposes the transfer endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a transfer handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type performRequest struct {
	ExternalID    uuid.UUID    `json:"externalId"`
	FromAccountID int64        `json:"fromAccountId"`
	ToAccountID   int64        `json:"toAccountId"`
	Amount        money.Amount `json:"amount"`
}

type transferResponse struct {
	TransactionID uuid.UUID                `json:"transactionId"`
	ExternalID    uuid.UUID                `json:"externalId"`
	SenderID      *int64                   `json:"senderId"`
	ReceiverID    int64                    `json:"receiverId"`
	Amount        money.Amount             `json:"amount"`
	Currency      string                   `json:"currency"`
	Status        ledger.TransactionStatus `json:"status"`
	Timestamp     time.Time                `json:"timestamp"`
	ErrorMessage  *string                  `json:"errorMessage"`
}

// Perform executes a transfer. New and replayed transfers both answer 200.
func (h *Handler) Perform(c *fiber.Ctx) error {
	var req performRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.ExternalID == uuid.Nil {
		return fiber.NewError(http.StatusBadRequest, "externalId is required")
	}
	if req.FromAccountID == 0 || req.ToAccountID == 0 {
		return fiber.NewError(http.StatusBadRequest, "fromAccountId and toAccountId are required")
	}

	res, err := h.engine.PerformTransfer(c.UserContext(), Request{
		ExternalID:    req.ExternalID,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount.Decimal(),
	})
	if err != nil {
		return err
	}

	txn := res.Transaction
	return c.Status(http.StatusOK).JSON(transferResponse{
		TransactionID: txn.ID,
		ExternalID:    txn.ExternalID,
		SenderID:      txn.SenderID,
		ReceiverID:    txn.ReceiverID,
		Amount:        money.NewAmount(txn.Amount),
		Currency:      txn.Currency,
		Status:        txn.Status,
		Timestamp:     txn.Timestamp,
		ErrorMessage:  txn.ErrorMessage,
	})
}
