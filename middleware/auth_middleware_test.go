package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var gateSec = config.SecurityConfig{JWTSecret: "gate-secret", JWTTTLH: time.Hour}

func newLocalCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(config.CacheConfig{})
	require.NoError(t, err)
	return c
}

// liveToken issues a token for uid and registers its session.
func liveToken(t *testing.T, c cache.Cache, uid int64) string {
	t.Helper()
	tok, err := GenerateToken(uid, gateSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, StoreSession(context.Background(), c, tok, uid, time.Hour))
	return tok
}

func TestAuth_Gate(t *testing.T) {
	c := newLocalCache(t)
	live := liveToken(t, c, 42)
	revoked := liveToken(t, c, 43)
	require.NoError(t, RevokeSession(context.Background(), c, revoked))
	unstored, err := GenerateToken(44, gateSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	foreign, err := GenerateToken(45, "someone-else", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Auth(gateSec, c, zap.NewNop()))
	r.GET("/me", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"user_id": GetUserID(ctx)})
	})

	cases := []struct {
		name    string
		header  string
		status  int
		errText string
		userID  int64
	}{
		{"no header", "", http.StatusUnauthorized, ErrMissingToken.Error(), 0},
		{"wrong scheme", "Token " + live, http.StatusUnauthorized, ErrMissingToken.Error(), 0},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, ErrInvalidToken.Error(), 0},
		{"foreign signature", "Bearer " + foreign, http.StatusUnauthorized, ErrInvalidToken.Error(), 0},
		{"no session", "Bearer " + unstored, http.StatusUnauthorized, ErrSessionExpired.Error(), 0},
		{"revoked", "Bearer " + revoked, http.StatusUnauthorized, ErrSessionExpired.Error(), 0},
		{"live", "Bearer " + live, http.StatusOK, "", 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tc.status, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tc.errText != "" {
				assert.Equal(t, tc.errText, body["error"])
				return
			}
			assert.EqualValues(t, tc.userID, body["user_id"])
		})
	}
}

func TestAuthenticate_ReturnsClaims(t *testing.T) {
	c := newLocalCache(t)
	tok := liveToken(t, c, 7)

	claims, err := Authenticate(context.Background(), gateSec, c, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)

	_, err = Authenticate(context.Background(), gateSec, c, "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

// downCache fails every existence check, as an unreachable Redis would.
type downCache struct{ cache.Cache }

func (downCache) Exists(context.Context, string) (bool, error) {
	return false, errors.New("dial tcp 10.0.0.5:6379: connect: connection refused")
}

func TestAuth_CacheOutageIsNotAnExpiredSession(t *testing.T) {
	c := newLocalCache(t)
	tok := liveToken(t, c, 42)

	_, err := Authenticate(context.Background(), gateSec, downCache{c}, tok)
	require.ErrorIs(t, err, ErrSessionUnavailable)
	assert.NotErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, http.StatusServiceUnavailable, RejectStatus(err))
	assert.Equal(t, http.StatusUnauthorized, RejectStatus(ErrSessionExpired))

	logger, logs := observed()
	r := gin.New()
	r.Use(Auth(gateSec, downCache{c}, logger))
	r.GET("/me", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"session store unavailable"}`, w.Body.String())
	entries := logs.FilterMessage("http auth rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].ContextMap()["error"], "connection refused")
}

func TestSessionIndex(t *testing.T) {
	ctx := context.Background()
	c := newLocalCache(t)
	phone := liveToken(t, c, 7)
	laptop := liveToken(t, c, 7)
	other := liveToken(t, c, 8)

	tokens, err := c.SMembers(ctx, UserSessionsKey(7))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{phone, laptop}, tokens)

	require.NoError(t, RevokeSession(ctx, c, phone))
	tokens, err = c.SMembers(ctx, UserSessionsKey(7))
	require.NoError(t, err)
	assert.Equal(t, []string{laptop}, tokens)

	n, err := RevokeUserSessions(ctx, c, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = Authenticate(ctx, gateSec, c, laptop)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = Authenticate(ctx, gateSec, c, other)
	assert.NoError(t, err)

	n, err = RevokeUserSessions(ctx, c, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreSession_PrunesLapsedTokens(t *testing.T) {
	ctx := context.Background()
	c := newLocalCache(t)
	require.NoError(t, StoreSession(ctx, c, "short-lived", 9, time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, StoreSession(ctx, c, "fresh", 9, time.Hour))

	tokens, err := c.SMembers(ctx, UserSessionsKey(9))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, tokens)
}

func TestGetUserID_IgnoresForeignValues(t *testing.T) {
	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Zero(t, GetUserID(ctx))

	ctx.Set(UserIDKey, "42")
	assert.Zero(t, GetUserID(ctx), "non-int64 values are not user ids")

	ctx.Set(UserIDKey, int64(42))
	assert.Equal(t, int64(42), GetUserID(ctx))
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestRecovery_AnswersStoreKind(t *testing.T) {
	logger, logs := observed()
	r := gin.New()
	r.Use(TraceID(), Recovery(logger))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })
	r.GET("/fine", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error","kind":"store"}`, w.Body.String())

	entries := logs.FilterMessage("panic recovered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/boom", entries[0].ContextMap()["path"])
	assert.NotEmpty(t, entries[0].ContextMap()["trace_id"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fine", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	cases := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusForbidden, zapcore.WarnLevel},
		{http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			logger, logs := observed()
			r := gin.New()
			r.Use(Logger(logger))
			r.GET("/x", func(c *gin.Context) {
				c.Set(UserIDKey, int64(9))
				c.Status(tc.status)
			})
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

			entries := logs.FilterMessage("http").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tc.level, entries[0].Level)
			fields := entries[0].ContextMap()
			assert.EqualValues(t, tc.status, fields["status"])
			assert.EqualValues(t, 9, fields["user_id"])
		})
	}
}
