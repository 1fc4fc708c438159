package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/payment_engine/internal/logging"
)

type testApp struct {
	app     *fiber.App
	opened  atomic.Int64
	failNow atomic.Bool
}

func setupTestApp(t *testing.T) (*testApp, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ta := &testApp{app: fiber.New()}
	accounts := ta.app.Group("/accounts", Idempotency(cache, time.Minute, logging.Discard()))
	accounts.Post("/", func(c *fiber.Ctx) error {
		if ta.failNow.Load() {
			return fiber.NewError(fiber.StatusConflict, "lock wait timeout")
		}
		n := ta.opened.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": n})
	})
	accounts.Post("/:id/top-up", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"id": c.Params("id")})
	})
	accounts.Get("/:id", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": c.Params("id")})
	})

	cleanup := func() {
		cache.Close()
		mr.Close()
	}
	return ta, cleanup
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(`{"currency":"RUB"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	status, _ := post(t, ta.app, "/accounts", "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencySkipsSafeMethods(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	resp, err := ta.app.Test(httptest.NewRequest(fiber.MethodGet, "/accounts/1", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected %d got %d", fiber.StatusOK, resp.StatusCode)
	}
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	status, first := post(t, ta.app, "/accounts", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	status, second := post(t, ta.app, "/accounts", "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected replayed status %d got %d", fiber.StatusCreated, status)
	}
	if first != second {
		t.Fatalf("expected replayed body %s got %s", first, second)
	}
	if n := ta.opened.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func TestIdempotencyKeysAreScopedToRoute(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	if status, _ := post(t, ta.app, "/accounts", "shared"); status != fiber.StatusCreated {
		t.Fatalf("create: got %d", status)
	}
	status, body := post(t, ta.app, "/accounts/7/top-up", "shared")
	if status != fiber.StatusOK {
		t.Fatalf("top-up: expected %d got %d", fiber.StatusOK, status)
	}
	if !strings.Contains(body, `"7"`) {
		t.Fatalf("top-up answered with another route's response: %s", body)
	}
}

func TestIdempotencyDoesNotStoreErrors(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	ta.failNow.Store(true)
	if status, _ := post(t, ta.app, "/accounts", "retry-me"); status != fiber.StatusConflict {
		t.Fatalf("expected %d got %d", fiber.StatusConflict, status)
	}

	ta.failNow.Store(false)
	if status, _ := post(t, ta.app, "/accounts", "retry-me"); status != fiber.StatusCreated {
		t.Fatalf("retry after error: expected %d got %d", fiber.StatusCreated, status)
	}
}

func TestIdempotencyMarksReplayedResponses(t *testing.T) {
	ta, cleanup := setupTestApp(t)
	defer cleanup()

	send := func() *http.Response {
		req := httptest.NewRequest(fiber.MethodPost, "/accounts", strings.NewReader(`{"currency":"RUB"}`))
		req.Header.Set(idempotencyKeyHeader, "mark-me")
		resp, err := ta.app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp
	}

	first := send()
	if got := first.Header.Get(idempotentReplayHeader); got != "" {
		t.Fatalf("first response marked as replay: %q", got)
	}
	second := send()
	if got := second.Header.Get(idempotentReplayHeader); got != "true" {
		t.Fatalf("expected replay marker, got %q", got)
	}
	if ct := second.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		t.Fatalf("expected JSON content type on replay, got %q", ct)
	}
}
