package account

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/payment_engine/internal/ledger"
	"github.com/congo-pay/payment_engine/internal/money"
)

// Handler exposes account HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Currency string `json:"currency"`
}

type topUpRequest struct {
	AccountID int64        `json:"accountId"`
	Amount    money.Amount `json:"amount"`
}

type accountResponse struct {
	ID       int64        `json:"id"`
	Number   string       `json:"number"`
	Balance  money.Amount `json:"balance"`
	Currency string       `json:"currency"`
}

func toResponse(acc ledger.Account) accountResponse {
	return accountResponse{
		ID:       acc.ID,
		Number:   acc.Number,
		Balance:  money.NewAmount(acc.Balance),
		Currency: acc.Currency,
	}
}

// Create opens a new account.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Currency == "" {
		return fiber.NewError(http.StatusBadRequest, "currency is required")
	}
	acc, err := h.service.CreateAccount(c.UserContext(), req.Currency)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toResponse(acc))
}

// Get returns the current state of an account.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return err
	}
	acc, err := h.service.GetAccount(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(acc))
}

// GetByNumber looks an account up by its 20-digit number.
func (h *Handler) GetByNumber(c *fiber.Ctx) error {
	acc, err := h.service.GetAccountByNumber(c.UserContext(), c.Params("number"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(acc))
}

// TopUp deposits into an account. The id in the path and body must match.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return err
	}
	var req topUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.AccountID != id {
		return fiber.NewError(http.StatusBadRequest, "path id and body accountId must match")
	}
	acc, err := h.service.Deposit(c.UserContext(), id, req.Amount.Decimal())
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toResponse(acc))
}

func accountIDParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "account id must be a positive integer")
	}
	return id, nil
}
