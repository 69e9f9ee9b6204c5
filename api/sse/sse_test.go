package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"github.com/shelfmates/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const secret = "sse-secret"

type env struct {
	h     *Handler
	c     cache.Cache
	ps    cache.PubSub
	srv   *httptest.Server
	rooms *room.Router
}

func newEnv(t *testing.T) (*env, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: secret, JWTTTLH: time.Hour}
	h := NewHandler(ps, c, store.NewIdentity(db), sec, zap.NewNop())

	eng := gin.New()
	eng.GET("/sse", h.ServeSSE)
	srv := httptest.NewServer(eng)
	t.Cleanup(srv.Close)

	rooms := room.NewRouter(ps, zap.NewNop())
	t.Cleanup(rooms.Close)
	return &env{h: h, c: c, ps: ps, srv: srv, rooms: rooms}, db
}

func (e *env) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := mw.GenerateToken(userID, secret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mw.StoreSession(context.Background(), e.c, tok, userID, time.Hour))
	return tok
}

func (e *env) get(t *testing.T, ctx context.Context, query string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/sse?"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

type event struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) event {
	t.Helper()
	var ev event
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && ev.name != "":
			return ev
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServeSSE_Rejections(t *testing.T) {
	e, db := newEnv(t)
	ann := testutil.SeedUser(t, db, "ann")
	club := testutil.SeedClub(t, db, "readers")

	resp := e.get(t, context.Background(), "clubId=1")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok := e.token(t, ann.ID)
	resp = e.get(t, context.Background(), "token="+tok+"&clubId=abc")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.get(t, context.Background(), "token="+tok+"&clubId="+strconv.FormatInt(club.ID, 10))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServeSSE_StreamsRoomEventsAndAnnouncements(t *testing.T) {
	e, db := newEnv(t)
	ann := testutil.SeedUser(t, db, "ann")
	club := testutil.SeedClub(t, db, "readers", ann.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := e.get(t, ctx, "token="+e.token(t, ann.ID)+"&clubId="+strconv.FormatInt(club.ID, 10))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	connected := readEvent(t, r)
	assert.Equal(t, "connected", connected.name)
	assert.Contains(t, connected.data, room.ClubRoom(club.ID))

	pkt, err := session.NewPacket("newMessage", 0, map[string]string{"content": "hi"})
	require.NoError(t, err)
	require.NoError(t, e.rooms.Emit(ctx, room.ClubRoom(club.ID), pkt))

	ev := readEvent(t, r)
	assert.Equal(t, "newMessage", ev.name)
	assert.JSONEq(t, `{"content":"hi"}`, ev.data)

	require.NoError(t, e.h.Announce(ctx, "maintenance at noon"))
	ev = readEvent(t, r)
	assert.Equal(t, "announce", ev.name)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(ev.data), &body))
	assert.Equal(t, "maintenance at noon", body["message"])
}

func TestAnnounce_RejectsEmpty(t *testing.T) {
	e, _ := newEnv(t)
	assert.Error(t, e.h.Announce(context.Background(), ""))
}

func TestFrame(t *testing.T) {
	name, data := frame(&cache.Message{Channel: "room:club:1", Payload: "not json"})
	assert.Equal(t, "message", name)
	assert.Equal(t, "not json", data)
}
