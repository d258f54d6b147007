package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fleetsync/pkg/cache"
	"fleetsync/pkg/errors"
	"fleetsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher hands an event to every relay instance for delivery.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// LocalBackplane delivers straight to the in-process hub.
type LocalBackplane struct {
	hub *Hub
}

func NewLocalBackplane(hub *Hub) *LocalBackplane {
	return &LocalBackplane{hub: hub}
}

func (b *LocalBackplane) Publish(ctx context.Context, env Envelope) error {
	b.hub.Deliver(env)
	return nil
}

// RedisBackplane shares events between relay instances over a Redis
// channel. Each instance records the envelope IDs it delivered with SETNX so
// a re-published envelope reaches its clients once.
type RedisBackplane struct {
	cache     *cache.RedisCache
	channel   string
	hub       *Hub
	logger    logger.Logger
	instance  string
	dedupeTTL time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBackplane(c *cache.RedisCache, channel string, hub *Hub, log logger.Logger) *RedisBackplane {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisBackplane{
		cache:     c,
		channel:   channel,
		hub:       hub,
		logger:    log.With(map[string]interface{}{"component": "relay_backplane"}),
		instance:  uuid.NewString(),
		dedupeTTL: 5 * time.Minute,
	}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if err := b.cache.Client().Publish(ctx, b.channel, data).Err(); err != nil {
		return errors.Wrap(err, "publish envelope")
	}
	return nil
}

// Start subscribes to the channel and delivers incoming envelopes until ctx
// is cancelled or Close is called. It returns once the subscription is
// confirmed.
func (b *RedisBackplane) Start(ctx context.Context) error {
	pubsub := b.cache.Client().Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "subscribe to relay channel")
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.run(ctx, pubsub.Channel(), b.done)

	b.logger.Info("Relay backplane subscribed", map[string]interface{}{
		"channel":  b.channel,
		"instance": b.instance,
	})
	return nil
}

func (b *RedisBackplane) run(ctx context.Context, msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.receive(ctx, msg.Payload)
		}
	}
}

func (b *RedisBackplane) receive(ctx context.Context, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.ID == "" {
		b.logger.Warn("Discarding malformed envelope", map[string]interface{}{"channel": b.channel})
		return
	}

	first, err := b.cache.SetNX(ctx, "relay:seen:"+b.instance+":"+env.ID, 1, b.dedupeTTL)
	if err != nil {
		// Fail open: deliver without dedupe.
		b.logger.Warn("Envelope dedupe check failed", map[string]interface{}{"error": err.Error()})
	} else if !first {
		b.logger.Debug("Dropping duplicate envelope", map[string]interface{}{"id": env.ID})
		return
	}
	b.hub.Deliver(env)
}

// Close unsubscribes and waits for the delivery goroutine.
func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
