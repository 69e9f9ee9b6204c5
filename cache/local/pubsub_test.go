package local

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan *LocalMessage) *LocalMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no message delivered")
		return nil
	}
}

func quiet(t *testing.T, ch <-chan *LocalMessage) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected delivery %q on %q", m.Payload, m.Channel)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPubSub_FanOutToEverySubscriber(t *testing.T) {
	ps := NewPubSub(8)
	ctx := context.Background()
	a, stopA, err := ps.Subscribe(ctx, "room:club:1")
	require.NoError(t, err)
	defer stopA()
	b, stopB, err := ps.Subscribe(ctx, "room:club:1", "room:dm:dm_1_2")
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, ps.Publish(ctx, "room:club:1", "hi"))
	for _, ch := range []<-chan *LocalMessage{a, b} {
		m := recv(t, ch)
		assert.Equal(t, "room:club:1", m.Channel)
		assert.Equal(t, "hi", m.Payload)
	}

	require.NoError(t, ps.Publish(ctx, "room:dm:dm_1_2", "psst"))
	assert.Equal(t, "psst", recv(t, b).Payload)
	quiet(t, a)
}

func TestPubSub_CancelClosesAndForgets(t *testing.T) {
	ps := NewPubSub(8)
	ctx := context.Background()
	ch, cancel, err := ps.Subscribe(ctx, "room:club:9")
	require.NoError(t, err)
	require.Equal(t, 1, ps.Channels())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, ps.Channels())
	assert.NoError(t, ps.Publish(ctx, "room:club:9", "nobody home"))
}

func TestPubSub_OrderAndOverflow(t *testing.T) {
	ctx := context.Background()

	t.Run("order kept", func(t *testing.T) {
		ps := NewPubSub(64)
		ch, cancel, _ := ps.Subscribe(ctx, "seq")
		defer cancel()
		for i := range 50 {
			require.NoError(t, ps.Publish(ctx, "seq", strconv.Itoa(i)))
		}
		for i := range 50 {
			assert.Equal(t, strconv.Itoa(i), recv(t, ch).Payload)
		}
	})

	t.Run("full buffer drops and says so", func(t *testing.T) {
		ps := NewPubSub(2)
		_, cancel, _ := ps.Subscribe(ctx, "slow")
		defer cancel()
		for range 2 {
			require.NoError(t, ps.Publish(ctx, "slow", "x"))
		}
		for range 3 {
			err := ps.Publish(ctx, "slow", "x")
			require.ErrorIs(t, err, ErrSubscriberFull)
			assert.Contains(t, err.Error(), "slow: 1 of 1")
		}
		assert.Equal(t, uint64(3), ps.Dropped())
	})

	t.Run("one slow subscriber does not starve the rest", func(t *testing.T) {
		ps := NewPubSub(1)
		_, stopSlow, _ := ps.Subscribe(ctx, "room:club:1")
		defer stopSlow()
		fast, stopFast, _ := ps.Subscribe(ctx, "room:club:1")
		defer stopFast()

		require.NoError(t, ps.Publish(ctx, "room:club:1", "a"))
		assert.Equal(t, "a", recv(t, fast).Payload)

		err := ps.Publish(ctx, "room:club:1", "b")
		require.ErrorIs(t, err, ErrSubscriberFull)
		assert.Contains(t, err.Error(), "room:club:1: 1 of 2")
		assert.Equal(t, "b", recv(t, fast).Payload)
		assert.Equal(t, uint64(1), ps.Dropped())
	})
}
