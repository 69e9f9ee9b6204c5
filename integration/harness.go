package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/shelfmates/server/api/rest"
	"github.com/shelfmates/server/api/sse"
	apiws "github.com/shelfmates/server/api/ws"
	"github.com/shelfmates/server/audit"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/chat"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/plugin/hook"
	"github.com/shelfmates/server/room"
	"github.com/shelfmates/server/scheduler"
	"github.com/shelfmates/server/session"
	"github.com/shelfmates/server/store"
	"github.com/shelfmates/server/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// BlockedWords are refused by every test server's content filter.
var BlockedWords = []string{"forbidden-spoiler"}

// AdminKey is the X-Admin-Key accepted by every test server.
const AdminKey = "integration-admin-key"

// TestServer wraps a real HTTP server with the chat core wired together.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	SM     *session.Manager
	Rooms  *room.Router
	Audit  *audit.Service
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Sec    config.SecurityConfig
}

var testSec = config.SecurityConfig{
	JWTSecret:      "integration-test-secret",
	JWTTTLH:        72 * time.Hour,
	RateLimitRPS:   1000,
	RateLimitBurst: 2000,
	AllowedOrigins: []string{}, // allow all origins
}

var testChat = config.ChatConfig{
	MaxContentLen:       2000,
	HistoryDefaultLimit: 50,
	HistoryMaxLimit:     100,
	SendRPS:             1000,
	SendBurst:           1000,
	MaxInflight:         64,
}

// NewTestServer creates a fully wired single-node server for integration
// testing. It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	return newNode(t, db, c, pubsub)
}

// NewTestCluster starts n nodes that share one database, cache and
// backplane, the way several instances share Redis in production.
func NewTestCluster(t *testing.T, n int) []*TestServer {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	nodes := make([]*TestServer, n)
	for i := range nodes {
		nodes[i] = newNode(t, db, c, pubsub)
	}
	return nodes
}

func newNode(t *testing.T, db *gorm.DB, c cache.Cache, pubsub cache.PubSub) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	// ---- Stores ----
	identity := store.NewIdentity(db)
	messages := store.NewMessages(db)
	conversations := store.NewConversations(db)

	// ---- Chat core ----
	auditSvc := audit.New(db, logger)
	sm := session.NewManager(c, logger)
	rooms := room.NewRouter(pubsub, logger)

	clubCh := chat.NewClubChannel(identity, messages, rooms, testChat, auditSvc, logger)
	directCh := chat.NewDirectChannel(identity, messages, conversations, rooms, testChat, auditSvc, logger)
	resolver := chat.NewResolver(identity, conversations, auditSvc, logger)

	hooks := hook.NewCenter()
	filter := hook.BlockWords(BlockedWords)
	hooks.Register(hook.BeforeClubSend, 0, "blocked_words", filter)
	hooks.Register(hook.BeforeDirectSend, 0, "blocked_words", filter)
	clubCh.SetHooks(hooks)
	directCh.SetHooks(hooks)

	sched := scheduler.New(logger)
	scheduler.RegisterHousekeeping(sched, scheduler.Housekeeping{
		Sessions: sm,
		Rooms:    rooms,
		Interval: time.Second,
	}, logger)

	// ---- WS Router ----
	wsRouter := apiws.NewRouter(logger)
	apiws.NewChatHandlers(clubCh, directCh, logger).RegisterHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(testSec.RateLimitRPS), testSec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sseH := sse.NewHandler(pubsub, c, identity, testSec, logger)
	r.GET("/sse", sseH.ServeSSE)

	// ---- REST API routes (mirrors main.go) ----
	authH := apirest.NewAuthHandler(db, identity, c, testSec, logger)
	convH := apirest.NewConversationHandler(resolver, directCh, logger)
	clubH := apirest.NewClubHandler(clubCh, logger)
	adminH := apirest.NewAdminHandler(db, c, sm, rooms, sched, sseH, logger)
	requireAuth := mw.Auth(testSec, c, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", requireAuth, authH.Logout)
		authG.POST("/refresh", requireAuth, authH.Refresh)

		chatG := api.Group("")
		chatG.Use(requireAuth)
		chatG.GET("/conversation", convH.GetOrCreate)
		chatG.DELETE("/conversation/:convoId", convH.Delete)
		chatG.GET("/messages/:conversationId", convH.Messages)
		chatG.GET("/clubs/:id/messages", clubH.History)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.POST("/kick/:id", adminH.KickUser)
		adminG.POST("/users/:id/ban", adminH.BanUser)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(identity, c, testSec, testChat, sm, rooms, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	ts := &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		SM:     sm,
		Rooms:  rooms,
		Audit:  auditSvc,
		Server: server,
		URL:    url,
		WSURL:  "ws" + url[len("http"):] + "/ws",
		Sec:    testSec,
	}
	t.Cleanup(func() {
		server.Close()
		sched.Stop()
		rooms.Close()
		auditSvc.Stop(context.Background())
	})
	return ts
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, path, bytes.NewReader(data), token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, token)
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodDelete, path, nil, token)
}

func (ts *TestServer) do(t *testing.T, method, path string, body io.Reader, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// Login logs a seeded user in and returns the token and user ID.
func (ts *TestServer) Login(t *testing.T, username string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": testutil.TestPassword,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]interface{}
	ReadJSON(t, resp, &result)
	token = result["token"].(string)
	userID = int64(result["user_id"].(float64))
	return
}

// Conversation resolves the DM thread between the token's user and friendID.
func (ts *TestServer) Conversation(t *testing.T, token string, friendID int64) string {
	t.Helper()
	resp := ts.Get(t, fmt.Sprintf("/api/conversation?friendId=%d", friendID), token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	ReadJSON(t, resp, &out)
	require.NotEmpty(t, out["conversationId"])
	return out["conversationId"]
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds readCh so timeouts never touch the conn.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
	// held keeps packets skipped by RecvType for later calls.
	held []session.Packet
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes a packet and returns the seq it used.
func (wc *WSClient) Send(msgType string, payload interface{}) uint64 {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	pkt, err := session.NewPacket(msgType, seq, payload)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteJSON(pkt))
	return seq
}

// RecvAny reads one packet, returning an error on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (session.Packet, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return session.Packet{}, res.err
		}
		var pkt session.Packet
		err := json.Unmarshal(res.data, &pkt)
		return pkt, err
	case <-time.After(timeout):
		return session.Packet{}, errTimeout
	}
}

var errTimeout = fmt.Errorf("read timeout")

// RecvMatch returns the first packet accepted by match. Packets skipped on
// the way are kept for later calls.
func (wc *WSClient) RecvMatch(desc string, timeout time.Duration, match func(session.Packet) bool) session.Packet {
	wc.t.Helper()
	for i, pkt := range wc.held {
		if match(pkt) {
			wc.held = append(wc.held[:i], wc.held[i+1:]...)
			return pkt
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			wc.t.Fatalf("timed out waiting for %s", desc)
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %s: %v", desc, err)
		}
		if match(pkt) {
			return pkt
		}
		wc.held = append(wc.held, pkt)
	}
}

// RecvType waits for a packet of the given type.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) session.Packet {
	wc.t.Helper()
	return wc.RecvMatch(fmt.Sprintf("type %q", msgType), timeout, func(p session.Packet) bool {
		return p.Type == msgType
	})
}

// Ack waits for the acknowledgement of seq.
func (wc *WSClient) Ack(seq uint64) chat.Result {
	wc.t.Helper()
	pkt := wc.RecvMatch(fmt.Sprintf("ack %d", seq), 3*time.Second, func(p session.Packet) bool {
		return p.Type == apiws.EventAck && p.Seq == seq
	})
	var res chat.Result
	require.NoError(wc.t, json.Unmarshal(pkt.Payload, &res))
	return res
}

// Request sends a packet and waits for its ack.
func (wc *WSClient) Request(msgType string, payload interface{}) chat.Result {
	wc.t.Helper()
	return wc.Ack(wc.Send(msgType, payload))
}

// ExpectNone fails if a packet of msgType arrives within wait.
func (wc *WSClient) ExpectNone(msgType string, wait time.Duration) {
	wc.t.Helper()
	for _, pkt := range wc.held {
		if pkt.Type == msgType {
			wc.t.Fatalf("unexpected %q: %s", msgType, pkt.Payload)
		}
	}
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			return
		}
		if pkt.Type == msgType {
			wc.t.Fatalf("unexpected %q: %s", msgType, pkt.Payload)
		}
		wc.held = append(wc.held, pkt)
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// --- Composite helper ---

// Member is a logged-in user with an open socket.
type Member struct {
	ID    int64
	Token string
	WS    *WSClient
}

// SeedAndConnect seeds a user, logs in and opens a socket.
func (ts *TestServer) SeedAndConnect(t *testing.T, username string) *Member {
	t.Helper()
	testutil.SeedUser(t, ts.DB, username)
	token, id := ts.Login(t, username)
	return &Member{ID: id, Token: token, WS: ts.ConnectWS(t, token)}
}

// UniqueID returns a short unique string suitable for usernames.
var testCounter uint64

func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d", prefix, n)
}
