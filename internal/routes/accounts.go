package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/payment_engine/internal/account"
)

// RegisterAccountRoutes wires account endpoints.
func RegisterAccountRoutes(r fiber.Router, h *account.Handler, mw ...fiber.Handler) {
	g := r.Group("/accounts", mw...)
	g.Post("/", h.Create)
	g.Get("/by-number/:number", h.GetByNumber)
	g.Get("/:id", h.Get)
	g.Post("/:id/top-up", h.TopUp)
}
