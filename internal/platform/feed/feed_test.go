package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HypeDuke/osint3/internal/platform"
)

func TestPublishReachesMatchingSubscriptions(t *testing.T) {
	t.Parallel()
	var h Hub
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := h.Subscribe(ctx, []platform.ChannelID{1, 2}, 4)
	b := h.Subscribe(ctx, []platform.ChannelID{2}, 4)
	assert.Equal(t, 2, h.Len())

	assert.Equal(t, 1, h.Publish(platform.Message{ID: 10, ChannelID: 1}))
	assert.Equal(t, 2, h.Publish(platform.Message{ID: 11, ChannelID: 2}))
	assert.Zero(t, h.Publish(platform.Message{ID: 12, ChannelID: 3}))

	assert.Equal(t, int64(10), (<-a).Message.ID)
	assert.Equal(t, int64(11), (<-a).Message.ID)
	assert.Equal(t, int64(11), (<-b).Message.ID)
}

func TestPublishWaitsForSlowReader(t *testing.T) {
	t.Parallel()
	var h Hub
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := h.Subscribe(ctx, []platform.ChannelID{1}, 1)

	h.Publish(platform.Message{ID: 1, ChannelID: 1})
	published := make(chan int, 1)
	go func() { published <- h.Publish(platform.Message{ID: 2, ChannelID: 1}) }()

	select {
	case <-published:
		t.Fatal("publish did not wait for a full subscription")
	case <-time.After(3 * retryEvery):
	}
	assert.Equal(t, int64(1), (<-out).Message.ID)
	assert.Equal(t, int64(2), (<-out).Message.ID)
	assert.Equal(t, 1, <-published)
}

func TestCloseAllReleasesBlockedPublish(t *testing.T) {
	t.Parallel()
	var h Hub
	out := h.Subscribe(context.Background(), []platform.ChannelID{1}, 1)
	h.Publish(platform.Message{ID: 1, ChannelID: 1})

	published := make(chan int, 1)
	go func() { published <- h.Publish(platform.Message{ID: 2, ChannelID: 1}) }()
	time.Sleep(2 * retryEvery)
	h.CloseAll()

	select {
	case n := <-published:
		assert.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatal("publish still blocked after CloseAll")
	}
	assert.Equal(t, int64(1), (<-out).Message.ID)
	_, open := <-out
	assert.False(t, open)
	assert.Zero(t, h.Len())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()
	var h Hub
	ctx, cancel := context.WithCancel(context.Background())
	out := h.Subscribe(ctx, []platform.ChannelID{1}, 1)
	cancel()
	select {
	case _, open := <-out:
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Zero(t, h.Publish(platform.Message{ID: 1, ChannelID: 1}))
}
