package transaction

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
)

const (
	webhookEventTTL = 24 * time.Hour
	statusTTL       = time.Hour
)

// Cache is the redis side-channel for the engine: webhook delivery dedupe
// and a short-lived status mirror for the SSE stream. It is an
// accelerator only; the database stays authoritative.
type Cache struct {
	Client *redis.Client
	Logger *logger.Logger
}

func NewCache(client *redis.Client, log *logger.Logger) *Cache {
	return &Cache{Client: client, Logger: log}
}

// AcquireWebhookEvent claims a gateway delivery ID. A second delivery of the
// same event returns false and can be acknowledged without reprocessing.
func (c *Cache) AcquireWebhookEvent(ctx context.Context, eventID string) (bool, error) {
	key := "webhook_event:" + eventID
	return c.Client.SetNX(ctx, key, "1", webhookEventTTL).Result()
}

// ReleaseWebhookEvent drops a delivery claim after a failed settlement so
// the gateway's redelivery of the same event gets reprocessed.
func (c *Cache) ReleaseWebhookEvent(ctx context.Context, eventID string) {
	key := "webhook_event:" + eventID
	if err := c.Client.Del(ctx, key).Err(); err != nil {
		c.Logger.Warn("REDIS", "Failed to release webhook event claim "+eventID+": "+err.Error())
	}
}

// SetStatus mirrors the latest transaction status under its local ID.
func (c *Cache) SetStatus(ctx context.Context, localID string, status models.TransactionStatus) {
	key := "tx_status:" + localID
	if err := c.Client.Set(ctx, key, string(status), statusTTL).Err(); err != nil {
		c.Logger.Warn("REDIS", "Failed to cache status for "+localID+": "+err.Error())
	}
}

// GetStatus returns the mirrored status, or ok=false on a cache miss.
func (c *Cache) GetStatus(ctx context.Context, localID string) (models.TransactionStatus, bool, error) {
	key := "tx_status:" + localID
	val, err := c.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.TransactionStatus(val), true, nil
}
