// Package redis backs sessions, presence and the room backplane with Redis so
// that every server node shares them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

const dialTimeout = 5 * time.Second

// Config holds Redis connection settings. Addr may list several
// comma-separated addresses, which selects a cluster client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

func (c Config) addrs() []string {
	var out []string
	for _, a := range strings.Split(c.Addr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Open connects and pings once so misconfiguration fails at startup.
func Open(cfg Config) (goredis.UniversalClient, error) {
	addrs := cfg.addrs()
	if len(addrs) == 0 {
		return nil, errors.New("redis: no address configured")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       addrs,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Store is the session and presence cache.
type Store struct {
	rdb goredis.UniversalClient
}

// NewCache dials Redis and returns a Store on the new connection.
func NewCache(cfg Config) (*Store, error) {
	rdb, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	switch {
	case err != nil:
		return err
	case !ok:
		return ErrNotFound
	}
	return nil
}

func members(ms []string) []any {
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}

func (s *Store) SAdd(ctx context.Context, key string, ms ...string) error {
	return s.rdb.SAdd(ctx, key, members(ms)...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, ms ...string) error {
	return s.rdb.SRem(ctx, key, members(ms)...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

// Message is one delivery from Backplane.Subscribe.
type Message struct {
	Channel string
	Payload string
}

// Backplane fans room emits out to every node subscribed to the room.
type Backplane struct {
	rdb goredis.UniversalClient
	buf int
}

// NewPubSub dials Redis and returns a Backplane with per-subscription
// buffers of buf messages.
func NewPubSub(cfg Config, buf int) (*Backplane, error) {
	rdb, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if buf <= 0 {
		buf = 256
	}
	return &Backplane{rdb: rdb, buf: buf}, nil
}

func (b *Backplane) Publish(ctx context.Context, channel, message string) error {
	return b.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe returns once Redis has confirmed the subscription, so anything
// published after it returns is delivered.
func (b *Backplane) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	sub := b.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe %v: %w", channels, err)
	}

	out := make(chan *Message, b.buf)
	go func() {
		defer close(out)
		for m := range sub.Channel(goredis.WithChannelSize(b.buf)) {
			out <- &Message{Channel: m.Channel, Payload: m.Payload}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
