package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader   = "Idempotency-Key"
	idempotentReplayHeader = "Idempotent-Replayed"
	idempotencyPrefix      = "idempotency:v2:"
	inProgressMarker       = "__in_progress__"
	cacheOpTimeout         = 2 * time.Second
)

// replayedHeaders are the response headers stored alongside the body.
var replayedHeaders = []string{fiber.HeaderContentType, fiber.HeaderLocation}

type cachedResponse struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

var errInFlight = errors.New("request with this key is in flight")

type responseCache struct {
	client *redis.Client
	ttl    time.Duration
}

// lookup returns the stored response for cacheKey, nil when none exists.
func (rc responseCache) lookup(cacheKey string) (*cachedResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()

	raw, err := rc.client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if string(raw) == inProgressMarker {
		return nil, errInFlight
	}
	var resp cachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// reserve marks cacheKey in flight. It reports false when another request
// holds the key.
func (rc responseCache) reserve(cacheKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	return rc.client.SetNX(ctx, cacheKey, inProgressMarker, rc.ttl).Result()
}

func (rc responseCache) store(cacheKey string, resp cachedResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	return rc.client.Set(ctx, cacheKey, payload, rc.ttl).Err()
}

// release drops the in-progress marker, best effort.
func (rc responseCache) release(cacheKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	rc.client.Del(ctx, cacheKey)
}

// Idempotency replays the stored response of an unsafe request whose
// Idempotency-Key header was already seen for the same method and route.
// Only non-5xx responses without a handler error are stored; anything else
// releases the key so the client may retry.
func Idempotency(client *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	rc := responseCache{client: client, ttl: ttl}

	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		switch method {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		cacheKey := cacheKeyFor(method, c.Path(), key)
		log := logger.With(slog.String("idempotency_key", key), slog.String("path", c.Path()))

		cached, err := rc.lookup(cacheKey)
		switch {
		case errors.Is(err, errInFlight):
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		case err != nil:
			log.Error("idempotency lookup failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		case cached != nil:
			return replay(c, cached)
		}

		ok, err := rc.reserve(cacheKey)
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		if !ok {
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		}

		if err := c.Next(); err != nil {
			rc.release(cacheKey)
			return err
		}
		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			rc.release(cacheKey)
			return nil
		}

		resp := cachedResponse{
			Status:  status,
			Body:    append([]byte(nil), c.Response().Body()...),
			Headers: make(map[string]string, len(replayedHeaders)),
		}
		for _, h := range replayedHeaders {
			if v := c.GetRespHeader(h); v != "" {
				resp.Headers[h] = v
			}
		}
		if err := rc.store(cacheKey, resp); err != nil {
			// The response already went through; a retry will run the handler again.
			log.Error("failed to persist idempotent response", slog.Any("error", err))
			rc.release(cacheKey)
		}
		return nil
	}
}

func replay(c *fiber.Ctx, resp *cachedResponse) error {
	for h, v := range resp.Headers {
		c.Set(h, v)
	}
	c.Set(idempotentReplayHeader, "true")
	return c.Status(resp.Status).Send(resp.Body)
}

func cacheKeyFor(method, path, key string) string {
	return idempotencyPrefix + method + ":" + path + ":" + key
}
