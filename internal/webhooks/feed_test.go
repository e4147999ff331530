package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFeed() *Feed {
	return NewFeed(slog.Default())
}

func TestFeed_PublishReachesOnlyMatchingTenant(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	tenantA := &feedClient{hub: f, send: make(chan []byte, 8), tenantID: "ten_1"}
	tenantB := &feedClient{hub: f, send: make(chan []byte, 8), tenantID: "ten_2"}
	f.register <- tenantA
	f.register <- tenantB
	time.Sleep(20 * time.Millisecond)

	f.Publish("ten_1", &FeedEvent{DeliveryID: "da_1", Status: StatusSuccess})

	select {
	case msg := <-tenantA.send:
		var got FeedEvent
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "da_1", got.DeliveryID)
	case <-time.After(time.Second):
		t.Fatal("tenant ten_1 client should have received the event")
	}

	select {
	case <-tenantB.send:
		t.Fatal("tenant ten_2 client must not receive ten_1's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_RegisterUnregisterTracksClients(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	client := &feedClient{hub: f, send: make(chan []byte, 8), tenantID: "ten_1"}
	f.register <- client
	time.Sleep(20 * time.Millisecond)

	f.mu.RLock()
	_, ok := f.clients[client]
	f.mu.RUnlock()
	assert.True(t, ok)

	f.unregister <- client
	time.Sleep(20 * time.Millisecond)

	f.mu.RLock()
	_, ok = f.clients[client]
	f.mu.RUnlock()
	assert.False(t, ok)
}

func TestFeed_RunClosesClientsOnShutdown(t *testing.T) {
	f := testFeed()
	ctx, cancel := context.WithCancel(context.Background())

	go f.Run(ctx)

	client := &feedClient{hub: f, send: make(chan []byte, 8), tenantID: "ten_1"}
	f.register <- client
	time.Sleep(20 * time.Millisecond)

	cancel()

	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	_, ok := <-client.send
	assert.False(t, ok, "client.send should be closed on shutdown")
}

func TestFeed_PublishDropsWhenBroadcastSaturated(t *testing.T) {
	f := testFeed()
	// No Run goroutine draining f.broadcast, so it fills up fast.
	for i := 0; i < cap(f.broadcast); i++ {
		f.Publish("ten_1", &FeedEvent{})
	}
	// One more must not block the caller.
	done := make(chan struct{})
	go func() {
		f.Publish("ten_1", &FeedEvent{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a saturated broadcast channel")
	}
}
