package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/payment_engine/internal/ledger"
)

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var kindStatus = map[ledger.Kind]int{
	ledger.KindNotFound:          http.StatusNotFound,
	ledger.KindInvalidArgument:   http.StatusBadRequest,
	ledger.KindInsufficientFunds: http.StatusUnprocessableEntity,
	ledger.KindLockTimeout:       http.StatusConflict,
	ledger.KindConflict:          http.StatusConflict,
	ledger.KindInternal:          http.StatusInternalServerError,
}

// StatusOf maps an error returned by a handler to its HTTP status.
func StatusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return kindStatus[ledger.KindOf(err)]
}

// ErrorHandler renders handler errors as {kind, message}. Internal errors
// are logged and replaced by a generic message.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := StatusOf(err)
		body := errorResponse{Message: err.Error()}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			body.Kind = kindForStatus(fe.Code)
			body.Message = fe.Message
		} else {
			body.Kind = string(ledger.KindOf(err))
		}

		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("request_id", RequestIDFrom(c)),
				slog.Any("error", err),
			)
			body.Message = "internal error"
		}
		return c.Status(status).JSON(body)
	}
}

func kindForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return string(ledger.KindNotFound)
	case status == http.StatusConflict:
		return string(ledger.KindConflict)
	case status >= http.StatusInternalServerError:
		return string(ledger.KindInternal)
	default:
		return string(ledger.KindInvalidArgument)
	}
}
