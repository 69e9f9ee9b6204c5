package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/api/rest"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/store"
	"github.com/shelfmates/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSec = config.SecurityConfig{
	JWTSecret: "test-secret",
	JWTTTLH:   72 * time.Hour,
}

func newAuthRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	h := rest.NewAuthHandler(db, store.NewIdentity(db), c, testSec, zap.NewNop())
	r := gin.New()
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/logout", mw.Auth(testSec, c, zap.NewNop()), h.Logout)
	r.POST("/api/auth/refresh", mw.Auth(testSec, c, zap.NewNop()), h.Refresh)
	r.GET("/api/ping", mw.Auth(testSec, c, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": mw.GetUserID(c)})
	})
	return r, db
}

func postJSON(r *gin.Engine, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func do(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *gin.Engine, username string) string {
	t.Helper()
	w := postJSON(r, "/api/auth/login", map[string]string{
		"username": username,
		"password": testutil.TestPassword,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["token"].(string)
}

func TestLogin_Success(t *testing.T) {
	r, db := newAuthRouter(t)
	ann := testutil.SeedUser(t, db, "ann")

	w := postJSON(r, "/api/auth/login", map[string]string{
		"username": "ann",
		"password": testutil.TestPassword,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["token"])
	assert.Equal(t, float64(ann.ID), resp["user_id"])

	var updated model.User
	require.NoError(t, db.First(&updated, ann.ID).Error)
	assert.NotNil(t, updated.LastLoginAt)
}

func TestLogin_UnknownUserIsNotRegistered(t *testing.T) {
	r, db := newAuthRouter(t)

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "ghost", "password": "pass1234"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var count int64
	db.Model(&model.User{}).Count(&count)
	assert.Zero(t, count)
}

func TestLogin_WrongPassword(t *testing.T) {
	r, db := newAuthRouter(t)
	testutil.SeedUser(t, db, "bob")

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "bob", "password": "wrong-one"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_Banned(t *testing.T) {
	r, db := newAuthRouter(t)
	u := testutil.SeedUser(t, db, "mallory")
	require.NoError(t, db.Model(u).Update("status", model.UserStatusBanned).Error)

	w := postJSON(r, "/api/auth/login", map[string]string{"username": "mallory", "password": testutil.TestPassword})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogin_InvalidBody(t *testing.T) {
	r, _ := newAuthRouter(t)
	w := postJSON(r, "/api/auth/login", map[string]string{"username": "a"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogout_RevokesToken(t *testing.T) {
	r, db := newAuthRouter(t)
	testutil.SeedUser(t, db, "carol")
	token := login(t, r, "carol")

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/ping", token).Code)

	w := postJSON(r, "/api/auth/logout", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/ping", token).Code)
}

func TestRefresh_IssuesNewTokenAndRevokesOld(t *testing.T) {
	r, db := newAuthRouter(t)
	testutil.SeedUser(t, db, "dave")
	old := login(t, r, "dave")

	// Tokens minted within the same second are identical; wait it out.
	time.Sleep(1100 * time.Millisecond)

	w := postJSON(r, "/api/auth/refresh", nil, "Authorization", "Bearer "+old)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	assert.NotEqual(t, old, resp["token"])

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/ping", resp["token"]).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/ping", old).Code)
}

func TestProtectedRoute_NoToken(t *testing.T) {
	r, _ := newAuthRouter(t)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/ping", "").Code)
}

func TestProtectedRoute_TokenWithoutSession(t *testing.T) {
	r, db := newAuthRouter(t)
	u := testutil.SeedUser(t, db, "erin")
	token, err := mw.GenerateToken(u.ID, testSec.JWTSecret, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/ping", token).Code)
}
