package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrSubscriberFull is returned by Publish when at least one subscriber
// missed the message because its buffer was full.
var ErrSubscriberFull = errors.New("pubsub: subscriber buffer full")

// LocalMessage is an in-process pub/sub message.
type LocalMessage struct {
	Channel string
	Payload string
}

type subscriber struct {
	ch chan *LocalMessage
}

// LocalPubSub is an in-process fan-out pub/sub implementation. Messages on a
// channel reach each subscriber in publish order; a subscriber whose buffer
// is full loses the message rather than stalling the publisher.
type LocalPubSub struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
	bufSize     int
	dropped     atomic.Uint64
}

// NewPubSub creates a new LocalPubSub with the given per-subscriber buffer size.
func NewPubSub(bufSize int) *LocalPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalPubSub{
		subscribers: make(map[string][]*subscriber),
		bufSize:     bufSize,
	}
}

// Publish sends a message to all subscribers of the given channel.
// The read lock is held across delivery so a concurrent cancel cannot close
// a subscriber channel mid-send. Subscribers with room still get the message
// when another one is full; the miss is counted and reported as
// ErrSubscriberFull.
func (ps *LocalPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &LocalMessage{Channel: channel, Payload: message}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	subs := ps.subscribers[channel]
	missed := 0
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			missed++
		}
	}
	if missed == 0 {
		return nil
	}
	ps.dropped.Add(uint64(missed))
	return fmt.Errorf("%w: %s: %d of %d subscribers", ErrSubscriberFull, channel, missed, len(subs))
}

// Subscribe returns a channel of messages for the given channels, and a cancel function.
// cancel is idempotent and closes the returned channel.
func (ps *LocalPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *LocalMessage, func(), error) {
	sub := &subscriber{ch: make(chan *LocalMessage, ps.bufSize)}

	ps.mu.Lock()
	for _, c := range channels {
		ps.subscribers[c] = append(ps.subscribers[c], sub)
	}
	ps.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			for _, c := range channels {
				list := ps.subscribers[c]
				for j, s := range list {
					if s == sub {
						list = append(list[:j], list[j+1:]...)
						break
					}
				}
				if len(list) == 0 {
					delete(ps.subscribers, c)
				} else {
					ps.subscribers[c] = list
				}
			}
			close(sub.ch)
		})
	}

	return sub.ch, cancel, nil
}

// Dropped returns how many messages were discarded because a subscriber was full.
func (ps *LocalPubSub) Dropped() uint64 {
	return ps.dropped.Load()
}

// Channels returns the number of channels with at least one subscriber.
func (ps *LocalPubSub) Channels() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
