package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/payment_engine/internal/account"
	"github.com/congo-pay/payment_engine/internal/config"
	"github.com/congo-pay/payment_engine/internal/middleware"
	"github.com/congo-pay/payment_engine/internal/transfer"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Cache     *redis.Client
	Broker    *amqp.Connection
	Logger    *slog.Logger
	Accounts  *account.Service
	Transfers *transfer.Engine
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Accounts == nil || d.Transfers == nil {
		return fmt.Errorf("account service and transfer engine are required")
	}
	if !d.Cfg.IsDev() && d.DB == nil {
		return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Transfers carry their own idempotency key in the body; account writes
	// are deduplicated by the response cache when one is configured.
	var accountMiddleware []fiber.Handler
	if d.Cache != nil {
		accountMiddleware = append(accountMiddleware, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterAccountRoutes(api, account.NewHandler(d.Accounts), accountMiddleware...)
	RegisterTransferRoutes(api, transfer.NewHandler(d.Transfers))

	return nil
}
