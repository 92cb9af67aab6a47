package transaction_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/transaction"
)

func newTestCache(t *testing.T) *transaction.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return transaction.NewCache(client, logger.NewLogger())
}

func TestAcquireWebhookEventDeduplicates(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	fresh, err := cache.AcquireWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = cache.AcquireWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, fresh)

	// Other event IDs are independent claims.
	fresh, err = cache.AcquireWebhookEvent(ctx, "evt_2")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestReleaseWebhookEventAllowsReclaim(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	fresh, err := cache.AcquireWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, fresh)

	cache.ReleaseWebhookEvent(ctx, "evt_1")

	fresh, err = cache.AcquireWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestStatusMirror(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	_, ok, err := cache.GetStatus(ctx, "local-1")
	require.NoError(t, err)
	assert.False(t, ok)

	cache.SetStatus(ctx, "local-1", models.TransactionInProgress)

	status, ok, err := cache.GetStatus(ctx, "local-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.TransactionInProgress, status)
}
