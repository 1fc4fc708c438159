package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/payment_engine/internal/transfer"
)

// RegisterTransferRoutes wires transfer endpoints.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler) {
	r.Post("/transfers", h.Perform)
}
