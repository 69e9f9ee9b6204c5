package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/chat"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"github.com/shelfmates/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const gateSecret = "gate-secret"

var gateChatCfg = config.ChatConfig{
	MaxContentLen:       200,
	HistoryDefaultLimit: 50,
	HistoryMaxLimit:     100,
	MaxInflight:         8,
}

type gateEnv struct {
	db    *gorm.DB
	cache cache.Cache
	sm    *session.Manager
	rooms *room.Router
	srv   *httptest.Server
}

func newGateEnv(t *testing.T, origins []string) *gateEnv {
	t.Helper()
	return newGateEnvWith(t, origins, nil)
}

// newGateEnvWith lets the gate see the session cache through wrap.
func newGateEnvWith(t *testing.T, origins []string, wrap func(cache.Cache) cache.Cache) *gateEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)

	identity := store.NewIdentity(db)
	messages := store.NewMessages(db)
	convs := store.NewConversations(db)
	rooms := room.NewRouter(ps, nop())
	sm := session.NewManager(c, nop())

	router := NewRouter(nop())
	NewChatHandlers(
		chat.NewClubChannel(identity, messages, rooms, gateChatCfg, nil, nop()),
		chat.NewDirectChannel(identity, messages, convs, rooms, gateChatCfg, nil, nop()),
		nop(),
	).RegisterHandlers(router)

	sec := config.SecurityConfig{JWTSecret: gateSecret, JWTTTLH: time.Hour, AllowedOrigins: origins}
	gate := c
	if wrap != nil {
		gate = wrap(c)
	}
	h := NewHandler(identity, gate, sec, gateChatCfg, sm, rooms, router, nop())

	eng := gin.New()
	eng.GET("/ws", h.ServeWS)
	srv := httptest.NewServer(eng)
	t.Cleanup(func() {
		srv.Close()
		rooms.Close()
	})
	return &gateEnv{db: db, cache: c, sm: sm, rooms: rooms, srv: srv}
}

func (e *gateEnv) login(t *testing.T, userID int64) string {
	t.Helper()
	token, err := mw.GenerateToken(userID, gateSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mw.StoreSession(context.Background(), e.cache, token, userID, time.Hour))
	return token
}

func (e *gateEnv) url(token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *gateEnv) dial(t *testing.T, token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.url(token), header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func rejection(t *testing.T, resp *http.Response) (int, string) {
	t.Helper()
	require.NotNil(t, resp)
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body.Error
}

func TestServeWS_GateRejections(t *testing.T) {
	env := newGateEnv(t, nil)
	ann := testutil.SeedUser(t, env.db, "ann")

	_, resp, err := env.dial(t, "", nil)
	require.Error(t, err)
	code, msg := rejection(t, resp)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing token", msg)

	_, resp, err = env.dial(t, "not-a-jwt", nil)
	require.Error(t, err)
	code, msg = rejection(t, resp)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid token", msg)

	unsaved, err := mw.GenerateToken(ann.ID, gateSecret, time.Hour)
	require.NoError(t, err)
	_, resp, err = env.dial(t, unsaved, nil)
	require.Error(t, err)
	_, msg = rejection(t, resp)
	assert.Equal(t, "session expired", msg)

	ghost := env.login(t, 9999)
	_, resp, err = env.dial(t, ghost, nil)
	require.Error(t, err)
	code, msg = rejection(t, resp)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unknown user", msg)

	assert.Equal(t, 0, env.sm.Count())
}

type unreachableCache struct{ cache.Cache }

func (unreachableCache) Exists(context.Context, string) (bool, error) {
	return false, errors.New("i/o timeout")
}

func TestServeWS_CacheOutageIsUnavailable(t *testing.T) {
	env := newGateEnvWith(t, nil, func(c cache.Cache) cache.Cache { return unreachableCache{c} })
	ann := testutil.SeedUser(t, env.db, "ann")

	_, resp, err := env.dial(t, env.login(t, ann.ID), nil)
	require.Error(t, err)
	code, msg := rejection(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "session store unavailable", msg)
	assert.Zero(t, env.sm.Count())
}

func TestServeWS_BannedUser(t *testing.T) {
	env := newGateEnv(t, nil)
	ann := testutil.SeedUser(t, env.db, "ann")
	require.NoError(t, env.db.Model(ann).Update("status", model.UserStatusBanned).Error)

	_, resp, err := env.dial(t, env.login(t, ann.ID), nil)
	require.Error(t, err)
	code, _ := rejection(t, resp)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestServeWS_OriginAllowlist(t *testing.T) {
	env := newGateEnv(t, []string{"https://shelfmates.app"})
	ann := testutil.SeedUser(t, env.db, "ann")
	token := env.login(t, ann.ID)

	_, resp, err := env.dial(t, token, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := env.dial(t, token, http.Header{"Origin": {"https://shelfmates.app"}})
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func send(t *testing.T, conn *websocket.Conn, seq uint64, msgType string, payload interface{}) {
	t.Helper()
	pkt, err := session.NewPacket(msgType, seq, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(pkt))
}

func receive(t *testing.T, conn *websocket.Conn, msgType string) session.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var pkt session.Packet
		require.NoError(t, conn.ReadJSON(&pkt))
		if pkt.Type == msgType {
			return pkt
		}
	}
}

// receiveAll reads until one packet of each type arrived. Room events travel
// through the backplane, so their order relative to the ack is not fixed.
func receiveAll(t *testing.T, conn *websocket.Conn, types ...string) map[string]session.Packet {
	t.Helper()
	want := make(map[string]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}
	got := make(map[string]session.Packet, len(types))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < len(want) {
		var pkt session.Packet
		require.NoError(t, conn.ReadJSON(&pkt))
		if want[pkt.Type] {
			got[pkt.Type] = pkt
		}
	}
	return got
}

func TestServeWS_ClubRoundTrip(t *testing.T) {
	env := newGateEnv(t, nil)
	ann := testutil.SeedUser(t, env.db, "ann")
	club := testutil.SeedClub(t, env.db, "readers", ann.ID)

	conn, _, err := env.dial(t, env.login(t, ann.ID), nil)
	require.NoError(t, err)

	send(t, conn, 1, EventJoinClub, map[string]interface{}{"clubId": club.ID})
	got := receiveAll(t, conn, chat.EventSystemMessage, EventAck)
	assert.Contains(t, string(got[chat.EventSystemMessage].Payload), "ann joined the chat")
	assert.Equal(t, uint64(1), got[EventAck].Seq)
	assert.JSONEq(t, `{"ok":true}`, string(got[EventAck].Payload))

	send(t, conn, 2, EventSendMessage, map[string]interface{}{"clubId": strconvID(club.ID), "content": "hello"})
	got = receiveAll(t, conn, chat.EventNewMessage, EventAck)
	var msg model.ClubMessage
	require.NoError(t, json.Unmarshal(got[chat.EventNewMessage].Payload, &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, ann.ID, msg.UserID)

	var res chat.Result
	require.NoError(t, json.Unmarshal(got[EventAck].Payload, &res))
	assert.True(t, res.OK)
	assert.Equal(t, uint64(2), got[EventAck].Seq)

	send(t, conn, 3, EventPing, map[string]int64{"ts": 42})
	pong := receive(t, conn, "pong")
	assert.Contains(t, string(pong.Payload), `"client_ts":42`)
}

func TestServeWS_DisconnectLeavesRooms(t *testing.T) {
	env := newGateEnv(t, nil)
	ann := testutil.SeedUser(t, env.db, "ann")
	club := testutil.SeedClub(t, env.db, "readers", ann.ID)

	conn, _, err := env.dial(t, env.login(t, ann.ID), nil)
	require.NoError(t, err)
	send(t, conn, 1, EventJoinClub, map[string]interface{}{"clubId": club.ID})
	receiveAll(t, conn, EventAck)
	assert.Equal(t, 1, env.rooms.Members(room.ClubRoom(club.ID)))
	assert.True(t, env.sm.IsOnline(ann.ID))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return env.rooms.Members(room.ClubRoom(club.ID)) == 0 && !env.sm.IsOnline(ann.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

// strconvID sends an id the way browser clients often do, as a string.
func strconvID(id int64) string {
	return strconv.FormatInt(id, 10)
}
