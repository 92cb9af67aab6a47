package sse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-orders/internal/models"
	"ms-orders/internal/sse"
)

func TestSubscribeAndEmit(t *testing.T) {
	emitter := sse.NewStatusEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := emitter.Subscribe(ctx, "local-1")
	assert.Equal(t, 1, emitter.ClientCount("local-1"))

	emitter.EmitStatus("local-1", models.TransactionPaid)

	select {
	case update := <-ch:
		assert.Equal(t, "local-1", update.LocalID)
		assert.Equal(t, models.TransactionPaid, update.Status)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestEmitOnlyReachesOwnRoom(t *testing.T) {
	emitter := sse.NewStatusEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := emitter.Subscribe(ctx, "local-a")
	emitter.EmitStatus("local-b", models.TransactionPaid)

	select {
	case update := <-ch:
		t.Fatalf("unexpected update for %s", update.LocalID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeOnContextDone(t *testing.T) {
	emitter := sse.NewStatusEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	ch := emitter.Subscribe(ctx, "local-1")
	cancel()

	// The channel closes once the subscription is torn down.
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, emitter.ClientCount("local-1"))
}

func TestSlowClientDoesNotBlockEmit(t *testing.T) {
	emitter := sse.NewStatusEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter.Subscribe(ctx, "local-1")

	// More emits than the channel buffer holds; none may block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			emitter.EmitStatus("local-1", models.TransactionInProgress)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full client channel")
	}
}
