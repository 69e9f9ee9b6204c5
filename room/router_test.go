package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	"github.com/shelfmates/server/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSession(userID int64) *session.Session {
	return session.New(userID, "u", nil, session.Limits{}, zap.NewNop())
}

func recv(t *testing.T, s *session.Session) session.Packet {
	t.Helper()
	select {
	case data := <-s.SendChan:
		var pkt session.Packet
		require.NoError(t, json.Unmarshal(data, &pkt))
		return pkt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return session.Packet{}
}

func assertSilent(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case data := <-s.SendChan:
		t.Fatalf("unexpected packet: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "club:42", ClubRoom(42))
	assert.Equal(t, "dm:dm_1_2", DMRoom("dm_1_2"))
}

func TestRouter_JoinIsIdempotent(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	s := newSession(1)

	added, err := r.Join(s, "club:1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Join(s, "club:1")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, r.Members("club:1"))

	// A second join must not double-deliver.
	require.NoError(t, r.Emit(context.Background(), "club:1", &session.Packet{Type: "newMessage"}))
	assert.Equal(t, "newMessage", recv(t, s).Type)
	assertSilent(t, s)
}

func TestRouter_EmitReachesOnlyMembers(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	a, b, outsider := newSession(1), newSession(2), newSession(3)
	_, _ = r.Join(a, "club:1")
	_, _ = r.Join(b, "club:1")
	_, _ = r.Join(outsider, "club:2")

	require.NoError(t, r.Emit(context.Background(), "club:1", &session.Packet{Type: "newMessage"}))
	assert.Equal(t, "newMessage", recv(t, a).Type)
	assert.Equal(t, "newMessage", recv(t, b).Type)
	assertSilent(t, outsider)
}

func TestRouter_EmitToEmptyRoom(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	assert.NoError(t, r.Emit(context.Background(), "club:404", &session.Packet{Type: "x"}))
}

func TestRouter_LeaveDestroysEmptyRoom(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	a, b := newSession(1), newSession(2)
	_, _ = r.Join(a, "dm:dm_1_2")
	_, _ = r.Join(b, "dm:dm_1_2")

	assert.True(t, r.Leave(a, "dm:dm_1_2"))
	assert.False(t, r.Leave(a, "dm:dm_1_2"))
	assert.Equal(t, 1, r.Members("dm:dm_1_2"))
	assert.False(t, r.IsMember(a, "dm:dm_1_2"))

	assert.True(t, r.Leave(b, "dm:dm_1_2"))
	assert.Empty(t, r.Rooms())
}

func TestRouter_LeaveAll(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	a, b := newSession(1), newSession(2)
	_, _ = r.Join(a, "club:1")
	_, _ = r.Join(a, "club:2")
	_, _ = r.Join(a, "dm:dm_1_2")
	_, _ = r.Join(b, "club:1")

	assert.Equal(t, 3, r.LeaveAll(a))
	assert.Equal(t, map[string]int{"club:1": 1}, r.Rooms())
	assert.Equal(t, 0, r.LeaveAll(a))
}

func TestRouter_SweepRemovesClosedSessions(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	live, dead := newSession(1), newSession(2)
	_, _ = r.Join(live, "club:1")
	_, _ = r.Join(dead, "club:1")
	_, _ = r.Join(dead, "club:2")

	dead.Close()
	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, map[string]int{"club:1": 1}, r.Rooms())
}

func TestRouter_ClosedMemberDoesNotBlockOthers(t *testing.T) {
	r := NewRouter(nil, zap.NewNop())
	live, dead := newSession(1), newSession(2)
	_, _ = r.Join(live, "club:1")
	_, _ = r.Join(dead, "club:1")
	dead.Close()

	require.NoError(t, r.Emit(context.Background(), "club:1", &session.Packet{Type: "newMessage"}))
	assert.Equal(t, "newMessage", recv(t, live).Type)
}

func TestRouter_BackplaneSpansInstances(t *testing.T) {
	ps, err := cache.NewPubSub(config.CacheConfig{})
	require.NoError(t, err)

	node1 := NewRouter(ps, zap.NewNop())
	node2 := NewRouter(ps, zap.NewNop())
	defer node1.Close()
	defer node2.Close()

	a, b := newSession(1), newSession(2)
	_, err = node1.Join(a, "club:7")
	require.NoError(t, err)
	_, err = node2.Join(b, "club:7")
	require.NoError(t, err)

	pkt, err := session.NewPacket("newMessage", 0, map[string]string{"content": "hi"})
	require.NoError(t, err)
	require.NoError(t, node1.Emit(context.Background(), "club:7", pkt))

	gotA, gotB := recv(t, a), recv(t, b)
	assert.JSONEq(t, `{"content":"hi"}`, string(gotA.Payload))
	assert.JSONEq(t, `{"content":"hi"}`, string(gotB.Payload))
	assertSilent(t, a)
}

func TestRouter_BackplaneOrderPerRoom(t *testing.T) {
	ps, err := cache.NewPubSub(config.CacheConfig{})
	require.NoError(t, err)
	r := NewRouter(ps, zap.NewNop())
	defer r.Close()

	s := newSession(1)
	_, err = r.Join(s, "club:1")
	require.NoError(t, err)

	for i := uint64(1); i <= 20; i++ {
		require.NoError(t, r.Emit(context.Background(), "club:1", &session.Packet{Seq: i, Type: "newMessage"}))
	}
	for i := uint64(1); i <= 20; i++ {
		assert.Equal(t, i, recv(t, s).Seq)
	}
}

// gatedPubSub holds Subscribe for one channel until release is closed.
type gatedPubSub struct {
	cache.PubSub
	channel string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan *cache.Message, func(), error) {
	if len(channels) == 1 && channels[0] == g.channel {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return g.PubSub.Subscribe(ctx, channels...)
}

func TestRouter_SlowSubscribeDoesNotStallOtherRooms(t *testing.T) {
	ps, err := cache.NewPubSub(config.CacheConfig{})
	require.NoError(t, err)
	gated := &gatedPubSub{
		PubSub:  ps,
		channel: Channel("club:2"),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := NewRouter(gated, zap.NewNop())
	defer r.Close()

	reader := newSession(1)
	_, err = r.Join(reader, "club:1")
	require.NoError(t, err)

	joined := make(chan error, 2)
	late, later := newSession(2), newSession(3)
	go func() { _, err := r.Join(late, "club:2"); joined <- err }()
	<-gated.entered
	go func() { _, err := r.Join(later, "club:2"); joined <- err }()

	// club:1 keeps flowing while club:2 waits on the backplane.
	require.NoError(t, r.Emit(context.Background(), "club:1", &session.Packet{Type: "newMessage"}))
	assert.Equal(t, "newMessage", recv(t, reader).Type)
	_, err = r.Join(newSession(4), "club:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"club:1": 2}, r.Rooms())

	close(gated.release)
	require.NoError(t, <-joined)
	require.NoError(t, <-joined)
	assert.Equal(t, 2, r.Members("club:2"))

	require.NoError(t, r.Emit(context.Background(), "club:2", &session.Packet{Type: "newMessage"}))
	assert.Equal(t, "newMessage", recv(t, late).Type)
	assert.Equal(t, "newMessage", recv(t, later).Type)
}

type failingPubSub struct{ cache.PubSub }

func (failingPubSub) Subscribe(context.Context, ...string) (<-chan *cache.Message, func(), error) {
	return nil, nil, assert.AnError
}

func TestRouter_FailedSubscribeLeavesNoRoom(t *testing.T) {
	r := NewRouter(failingPubSub{}, zap.NewNop())
	added, err := r.Join(newSession(1), "club:9")
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, added)
	assert.Empty(t, r.Rooms())
	assert.Zero(t, r.Members("club:9"))
}
