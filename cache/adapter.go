package cache

import (
	"context"
	"time"

	"github.com/shelfmates/server/cache/local"
	cacheredis "github.com/shelfmates/server/cache/redis"
	"github.com/shelfmates/server/config"
)

// Cache defines the KV and Set operations used for auth sessions and presence.
type Cache interface {
	// KV
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Set
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// ErrSubscriberFull reports a room emit that some local subscriber missed.
var ErrSubscriberFull = local.ErrSubscriberFull

// DropCounter is implemented by backplanes that can lose messages to slow
// subscribers.
type DropCounter interface {
	Dropped() uint64
}

// PubSub is the backplane that carries room emits. Each subscription yields
// messages in publish order; cancel closes the returned channel.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

func redisConfig(cfg config.CacheConfig) cacheredis.Config {
	return cacheredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewCache returns a Cache backed by Redis if RedisAddr is set,
// otherwise returns an in-process LocalCache.
func NewCache(cfg config.CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		return cacheredis.NewCache(redisConfig(cfg))
	}
	return local.NewCache(local.Config{
		GCInterval: cfg.LocalGCInterval,
	})
}

// NewPubSub returns the Redis backplane when RedisAddr is set and the
// in-process one otherwise. The local backplane only spans one node.
func NewPubSub(cfg config.CacheConfig) (PubSub, error) {
	buf := cfg.LocalPubSubBuf
	if buf <= 0 {
		buf = 256
	}
	if cfg.RedisAddr == "" {
		ps := local.NewPubSub(buf)
		return &bridge[*local.LocalMessage]{
			publish:   ps.Publish,
			subscribe: ps.Subscribe,
			unwrap:    func(m *local.LocalMessage) (string, string) { return m.Channel, m.Payload },
			dropped:   ps.Dropped,
			buf:       buf,
		}, nil
	}
	ps, err := cacheredis.NewPubSub(redisConfig(cfg), buf)
	if err != nil {
		return nil, err
	}
	return &bridge[*cacheredis.Message]{
		publish:   ps.Publish,
		subscribe: ps.Subscribe,
		unwrap:    func(m *cacheredis.Message) (string, string) { return m.Channel, m.Payload },
		buf:       buf,
	}, nil
}

// bridge lifts a backend's own message type to *Message.
type bridge[M any] struct {
	publish   func(ctx context.Context, channel, message string) error
	subscribe func(ctx context.Context, channels ...string) (<-chan M, func(), error)
	unwrap    func(M) (channel, payload string)
	dropped   func() uint64
	buf       int
}

// Dropped returns the messages the backend discarded for full subscribers.
// Redis reports none here; its client logs its own overflow.
func (b *bridge[M]) Dropped() uint64 {
	if b.dropped == nil {
		return 0
	}
	return b.dropped()
}

func (b *bridge[M]) Publish(ctx context.Context, channel, message string) error {
	return b.publish(ctx, channel, message)
}

func (b *bridge[M]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := b.subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, b.buf)
	go func() {
		defer close(out)
		for m := range in {
			ch, payload := b.unwrap(m)
			out <- &Message{Channel: ch, Payload: payload}
		}
	}()
	return out, cancel, nil
}
