package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	obsmetrics "github.com/smallbiznis/entitlement/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	DefaultInvalidationChannel = "entitlement:policy:invalidate"
	defaultCloseTimeout        = 5 * time.Second
)

type Action string

const (
	ActionTenantFeature Action = "tenant_feature"
	ActionTenant        Action = "tenant"
	ActionTierFeature   Action = "tier_feature"
	ActionAll           Action = "all"
)

// Message is the wire format broadcast on the invalidation channel.
type Message struct {
	Action     Action       `json:"action"`
	TenantID   snowflake.ID `json:"tenant_id,omitempty"`
	TierID     snowflake.ID `json:"tier_id,omitempty"`
	FeatureKey string       `json:"feature_key,omitempty"`
	Origin     string       `json:"origin,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

var ErrInvalidMessage = errors.New("invalid_invalidation_message")

func (m Message) Validate() error {
	switch m.Action {
	case ActionTenantFeature:
		if m.TenantID == 0 || m.FeatureKey == "" {
			return ErrInvalidMessage
		}
	case ActionTenant:
		if m.TenantID == 0 {
			return ErrInvalidMessage
		}
	case ActionTierFeature:
		if m.TierID == 0 || m.FeatureKey == "" {
			return ErrInvalidMessage
		}
	case ActionAll:
	default:
		return ErrInvalidMessage
	}
	return nil
}

// Apply maps an invalidation message onto the local cache.
func Apply(c PolicyCache, msg Message) error {
	if c == nil {
		return nil
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Action {
	case ActionTenantFeature:
		c.Invalidate(msg.TenantID, msg.FeatureKey)
	case ActionTenant:
		c.InvalidateTenant(msg.TenantID)
	case ActionTierFeature:
		c.InvalidateTierFeature(msg.TierID, msg.FeatureKey)
	case ActionAll:
		c.Purge()
	}
	return nil
}

// Invalidator fans policy cache invalidations out to other instances.
type Invalidator interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe blocks, delivering messages from other instances to handler
	// until ctx is done or the invalidator is closed.
	Subscribe(ctx context.Context, handler func(Message)) error
	Close() error
}

// NopInvalidator is used when no broker is configured; local invalidation and
// the cache TTL bound staleness on other instances.
type NopInvalidator struct{}

func (NopInvalidator) Publish(context.Context, Message) error { return nil }

func (NopInvalidator) Subscribe(ctx context.Context, _ func(Message)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (NopInvalidator) Close() error { return nil }

// RedisInvalidator implements Invalidator over Redis pub/sub.
type RedisInvalidator struct {
	client  redis.UniversalClient
	channel string
	origin  string
	log     *zap.Logger
	metrics *obsmetrics.InvalidationMetrics

	mu        sync.Mutex
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	isRunning bool
}

type RedisInvalidatorOption func(*RedisInvalidator)

func WithChannel(channel string) RedisInvalidatorOption {
	return func(i *RedisInvalidator) {
		if channel != "" {
			i.channel = channel
		}
	}
}

func WithLogger(log *zap.Logger) RedisInvalidatorOption {
	return func(i *RedisInvalidator) {
		if log != nil {
			i.log = log
		}
	}
}

func WithMetrics(m *obsmetrics.InvalidationMetrics) RedisInvalidatorOption {
	return func(i *RedisInvalidator) {
		i.metrics = m
	}
}

// NewRedisInvalidator wraps a shared client. The caller keeps ownership of
// the client.
func NewRedisInvalidator(client redis.UniversalClient, opts ...RedisInvalidatorOption) *RedisInvalidator {
	i := &RedisInvalidator{
		client:  client,
		channel: DefaultInvalidationChannel,
		origin:  uuid.NewString(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Origin identifies this instance on the bus.
func (i *RedisInvalidator) Origin() string {
	return i.origin
}

func (i *RedisInvalidator) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Origin = i.origin
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}

	if err := i.client.Publish(ctx, i.channel, data).Err(); err != nil {
		i.metrics.IncError("publish", err)
		i.log.Warn("publish invalidation failed",
			zap.String("channel", i.channel),
			zap.String("action", string(msg.Action)),
			zap.Error(err))
		return err
	}
	i.metrics.IncPublished(string(msg.Action))

	i.log.Debug("published invalidation",
		zap.String("action", string(msg.Action)),
		zap.String("feature_key", msg.FeatureKey))
	return nil
}

func (i *RedisInvalidator) Subscribe(ctx context.Context, handler func(Message)) error {
	i.mu.Lock()
	if i.isRunning {
		i.mu.Unlock()
		return errors.New("subscription already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	i.isRunning = true
	i.cancelFn = cancel
	i.doneCh = make(chan struct{})
	doneCh := i.doneCh
	i.mu.Unlock()

	defer func() {
		cancel()
		i.mu.Lock()
		i.isRunning = false
		i.cancelFn = nil
		i.mu.Unlock()
		close(doneCh)
	}()

	pubsub := i.client.Subscribe(subCtx, i.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so publishes issued after
	// Subscribe returns control are not lost.
	if _, err := pubsub.Receive(subCtx); err != nil {
		i.metrics.IncError("subscribe", err)
		return fmt.Errorf("subscribe to %s: %w", i.channel, err)
	}
	i.log.Info("subscribed to policy invalidation channel", zap.String("channel", i.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return subCtx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			i.dispatch(raw.Payload, handler)
		}
	}
}

func (i *RedisInvalidator) dispatch(payload string, handler func(Message)) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		i.metrics.IncReceived("", obsmetrics.InvalidationOutcomeInvalid)
		i.log.Warn("discarding malformed invalidation", zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		i.metrics.IncReceived(string(msg.Action), obsmetrics.InvalidationOutcomeInvalid)
		i.log.Warn("discarding invalid invalidation", zap.String("action", string(msg.Action)))
		return
	}
	if msg.Origin == i.origin {
		i.metrics.IncReceived(string(msg.Action), obsmetrics.InvalidationOutcomeSkipped)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			i.log.Error("panic in invalidation handler", zap.Any("panic", r))
		}
	}()
	handler(msg)
	i.metrics.IncReceived(string(msg.Action), obsmetrics.InvalidationOutcomeApplied)
}

// Close stops a running subscription. The shared client is left open.
func (i *RedisInvalidator) Close() error {
	i.mu.Lock()
	cancelFn := i.cancelFn
	doneCh := i.doneCh
	i.mu.Unlock()

	if cancelFn == nil {
		return nil
	}
	cancelFn()
	select {
	case <-doneCh:
	case <-time.After(defaultCloseTimeout):
		i.log.Warn("timeout waiting for invalidation subscription to stop")
	}
	return nil
}

var (
	_ Invalidator = (*RedisInvalidator)(nil)
	_ Invalidator = NopInvalidator{}
)
