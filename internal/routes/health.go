package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	statusOK       = "ok"
	statusDisabled = "disabled"
)

var errBrokerClosed = errors.New("connection closed")

// RegisterHealthRoutes adds a readiness endpoint covering every configured backend.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{
			"postgres": statusDisabled,
			"redis":    statusDisabled,
			"amqp":     statusDisabled,
		}
		healthy := true
		record := func(name string, err error) {
			if err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = statusOK
		}

		if d.DB != nil {
			record("postgres", d.DB.Ping(ctx))
		}
		if d.Cache != nil {
			record("redis", d.Cache.Ping(ctx).Err())
		}
		if d.Broker != nil {
			var err error
			if d.Broker.IsClosed() {
				err = errBrokerClosed
			}
			record("amqp", err)
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
