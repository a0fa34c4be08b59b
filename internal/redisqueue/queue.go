// Package redisqueue delivers channel messages into named Redis lists that
// consumers drain at their own pace.
package redisqueue

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"

	"sensorhub/telemetry-broker/internal/delivery"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/registry"
)

// Transport is the registry transport name of queue handles.
const Transport = "redis"

const keyPrefix = "sensorhub:queue:"

var validName = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// QueueKey is the list a named queue is stored in.
func QueueKey(name string) string { return keyPrefix + name }

// NotifyChannel is the pub/sub channel announcing new items on a queue.
func NotifyChannel(name string) string { return keyPrefix + name + ":notify" }

// Store is where queued frames are written.
type Store interface {
	Append(ctx context.Context, key string, frame []byte, maxLen int64, ttl time.Duration) error
	Notify(ctx context.Context, channel, message string) error
}

// RedisStore is a Store backed by a Redis server.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Store on top of client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Append pushes frame and trims the list to its newest maxLen items in one
// transaction.
func (s *RedisStore) Append(ctx context.Context, key string, frame []byte, maxLen int64, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, frame)
		if maxLen > 0 {
			p.LTrim(ctx, key, -maxLen, -1)
		}
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", key, err)
	}
	return nil
}

// Notify publishes message on a pub/sub channel.
func (s *RedisStore) Notify(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

// Handle is a named queue following one device channel. One queue may follow
// several devices through several handles.
type Handle struct {
	name     string
	deviceID int64
}

func (h *Handle) ID() string        { return h.name + "@" + model.ChannelName(h.deviceID) }
func (h *Handle) Transport() string { return Transport }
func (h *Handle) Name() string      { return h.name }
func (h *Handle) DeviceID() int64   { return h.deviceID }

// Backend is the delivery backend for queue handles.
type Backend struct {
	store  Store
	logger *slog.Logger
	maxLen int64
	ttl    time.Duration
}

// Option customizes a Backend.
type Option func(*Backend)

// WithCapacity bounds every queue to its newest n items.
func WithCapacity(n int64) Option { return func(b *Backend) { b.maxLen = n } }

// WithTTL expires idle queues.
func WithTTL(d time.Duration) Option { return func(b *Backend) { b.ttl = d } }

// New constructs a queue backend writing through store.
func New(store Store, logger *slog.Logger, opts ...Option) *Backend {
	b := &Backend{store: store, logger: logger, maxLen: 1000, ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle returns the handle for queue name following deviceID.
func (b *Backend) Handle(name string, deviceID int64) (*Handle, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid queue name %q", name)
	}
	if deviceID <= 0 {
		return nil, fmt.Errorf("invalid device id %d", deviceID)
	}
	return &Handle{name: name, deviceID: deviceID}, nil
}

// Deliver appends the framed message to the queue. A failed wake-up
// notification is logged only: the item is already queued and a retry would
// duplicate it.
func (b *Backend) Deliver(ctx context.Context, h registry.Handle, msg delivery.Message) error {
	qh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("%w: %T is not a queue handle", delivery.ErrUnknownTransport, h)
	}
	frame, err := msg.Frame()
	if err != nil {
		return err
	}
	if err := b.store.Append(ctx, QueueKey(qh.name), frame, b.maxLen, b.ttl); err != nil {
		return err
	}
	if err := b.store.Notify(ctx, NotifyChannel(qh.name), msg.Channel); err != nil {
		b.logger.Warn("queue notification failed", "queue", qh.name, "error", err)
	}
	return nil
}
