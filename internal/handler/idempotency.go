package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/logger"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	idempotencyPrefix = "lims-workflow:idem:"
	leaseTimeout      = 30 * time.Second
	cleanupTimeout    = 5 * time.Second
)

// storedResponse is what gets replayed for a repeated key.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Idempotency replays the first response to a mutating request carrying an
// Idempotency-Key header. Keys are scoped to the actor, method and route.
// Server errors are not stored so the caller may retry. Redis failures
// degrade to running the request unprotected.
type Idempotency struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewIdempotency creates the middleware. A nil client disables it.
func NewIdempotency(client *redis.Client, ttl time.Duration, log *logger.Logger) *Idempotency {
	return &Idempotency{client: client, ttl: ttl, log: log}
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware must run after authentication.
func (i *Idempotency) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(headerIdempotencyKey)
		if i == nil || i.client == nil || key == "" ||
			(c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		storeKey := idempotencyPrefix + actorID(c) + ":" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key
		leaseKey := storeKey + ":lease"

		if cached, err := i.get(ctx, storeKey); err != nil {
			i.log.Warn().Err(err).Str("key", key).Msg("Idempotency lookup failed")
		} else if cached != nil {
			c.Header(headerReplayed, "true")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		acquired, err := i.client.SetNX(ctx, leaseKey, "1", leaseTimeout).Result()
		if err != nil {
			i.log.Warn().Err(err).Str("key", key).Msg("Idempotency lease failed")
			c.Next()
			return
		}
		if !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{
				Error:  "a request with this idempotency key is still in progress",
				Code:   "IDEMPOTENCY_IN_PROGRESS",
				Status: http.StatusConflict,
			})
			return
		}
		defer func() {
			// Background context so cancellation does not leak the lease.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if err := i.client.Del(cleanupCtx, leaseKey).Err(); err != nil {
				i.log.Warn().Err(err).Str("key", key).Msg("Idempotency lease cleanup failed")
			}
		}()

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		payload, err := json.Marshal(storedResponse{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := i.client.Set(ctx, storeKey, payload, i.ttl).Err(); err != nil {
			i.log.Warn().Err(err).Str("key", key).Msg("Idempotency store failed")
		}
	}
}

func (i *Idempotency) get(ctx context.Context, key string) (*storedResponse, error) {
	raw, err := i.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp storedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
