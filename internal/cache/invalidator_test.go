package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startSubscriber(t *testing.T, mr *miniredis.Miniredis, inv *RedisInvalidator, channel string, handler func(Message)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inv.Subscribe(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisInvalidatorDeliversToOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	channel := "test:policy:deliver"

	publisher := NewRedisInvalidator(newRedisClient(t, mr), WithChannel(channel), WithLogger(zap.NewNop()))
	subscriber := NewRedisInvalidator(newRedisClient(t, mr), WithChannel(channel))
	require.NotEqual(t, publisher.Origin(), subscriber.Origin())

	local := NewPolicyCache(10, time.Minute)
	local.Set(policy(100, 1, "api_calls", limit(10)))

	received := make(chan Message, 1)
	startSubscriber(t, mr, subscriber, channel, func(msg Message) {
		assert.NoError(t, Apply(local, msg))
		received <- msg
	})

	require.NoError(t, publisher.Publish(context.Background(), Message{
		Action:     ActionTenantFeature,
		TenantID:   1,
		FeatureKey: "api_calls",
	}))

	select {
	case msg := <-received:
		assert.Equal(t, ActionTenantFeature, msg.Action)
		assert.Equal(t, publisher.Origin(), msg.Origin)
		assert.NotZero(t, msg.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
	_, ok := local.Get(1, "api_calls")
	assert.False(t, ok)
}

func TestRedisInvalidatorSkipsOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	channel := "test:policy:self"
	client := newRedisClient(t, mr)

	self := NewRedisInvalidator(client, WithChannel(channel))
	other := NewRedisInvalidator(client, WithChannel(channel))

	received := make(chan Message, 2)
	startSubscriber(t, mr, self, channel, func(msg Message) { received <- msg })

	ctx := context.Background()
	require.NoError(t, self.Publish(ctx, Message{Action: ActionAll}))
	require.NoError(t, other.Publish(ctx, Message{Action: ActionTenant, TenantID: 7}))

	select {
	case msg := <-received:
		assert.Equal(t, ActionTenant, msg.Action)
		assert.Equal(t, other.Origin(), msg.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
	select {
	case msg := <-received:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisInvalidatorRejectsInvalidMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	inv := NewRedisInvalidator(newRedisClient(t, mr))

	err := inv.Publish(context.Background(), Message{Action: ActionTenantFeature, TenantID: 1})
	require.ErrorIs(t, err, ErrInvalidMessage)

	err = inv.Publish(context.Background(), Message{Action: "bogus"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRedisInvalidatorPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	inv := NewRedisInvalidator(newRedisClient(t, mr))
	mr.Close()

	err := inv.Publish(context.Background(), Message{Action: ActionAll})
	require.Error(t, err)
}

func TestRedisInvalidatorCloseStopsSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	channel := "test:policy:close"
	inv := NewRedisInvalidator(newRedisClient(t, mr), WithChannel(channel))

	done := make(chan error, 1)
	go func() { done <- inv.Subscribe(context.Background(), func(Message) {}) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, inv.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestApplyActions(t *testing.T) {
	c := NewPolicyCache(10, time.Minute)
	c.Set(policy(100, 1, "api_calls", limit(10)))
	c.Set(policy(100, 2, "api_calls", limit(10)))
	c.Set(policy(100, 2, "seats", limit(10)))

	require.NoError(t, Apply(c, Message{Action: ActionTierFeature, TierID: 100, FeatureKey: "seats"}))
	assert.Equal(t, 2, c.Len())

	require.NoError(t, Apply(c, Message{Action: ActionTenant, TenantID: 2}))
	assert.Equal(t, 1, c.Len())

	require.ErrorIs(t, Apply(c, Message{Action: ActionTenant}), ErrInvalidMessage)

	require.NoError(t, Apply(c, Message{Action: ActionAll}))
	assert.Equal(t, 0, c.Len())
}

func TestNopInvalidator(t *testing.T) {
	var inv Invalidator = NopInvalidator{}
	require.NoError(t, inv.Publish(context.Background(), Message{Action: ActionAll}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, inv.Subscribe(ctx, func(Message) {}), context.Canceled)
	require.NoError(t, inv.Close())
}
