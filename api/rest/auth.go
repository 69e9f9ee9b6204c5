package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	mw "github.com/shelfmates/server/middleware"
	"github.com/shelfmates/server/model"
	"github.com/shelfmates/server/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler issues and revokes tokens for existing accounts. Accounts are
// created by the signup flow, not here.
type AuthHandler struct {
	db       *gorm.DB
	identity store.IdentityStore
	cache    cache.Cache
	sec      config.SecurityConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(db *gorm.DB, identity store.IdentityStore, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, identity: identity, cache: c, sec: sec, logger: logger}
}

type loginRequest struct {
	Username string `json:"username" binding:"required,min=2,max=32"`
	Password string `json:"password" binding:"required,min=4,max=64"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "validation"})
		return
	}

	user, err := h.identity.GetUserByUsername(c.Request.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		h.logger.Error("login lookup failed", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if user.Status == model.UserStatusBanned {
		c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
		return
	}

	token, err := mw.GenerateToken(user.ID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	if err := mw.StoreSession(c.Request.Context(), h.cache, token, user.ID, h.sec.JWTTTLH); err != nil {
		h.logger.Error("store session failed", zap.Int64("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
		return
	}

	// Update last login (best-effort).
	now := time.Now()
	_ = h.db.Model(&model.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"last_login_at": now,
		"last_login_ip": c.ClientIP(),
	}).Error

	h.logger.Info("user logged in", zap.Int64("user_id", user.ID), zap.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"user_id": user.ID,
		"user":    user.Projection(),
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	token := mw.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}
	if err := mw.RevokeSession(c.Request.Context(), h.cache, token); err != nil {
		h.logger.Warn("revoke session failed", zap.Int64("user_id", mw.GetUserID(c)), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The old token stops working.
func (h *AuthHandler) Refresh(c *gin.Context) {
	userID := mw.GetUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	_ = mw.RevokeSession(c.Request.Context(), h.cache, mw.BearerToken(c))

	newToken, err := mw.GenerateToken(userID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	if err := mw.StoreSession(c.Request.Context(), h.cache, newToken, userID, h.sec.JWTTTLH); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": newToken})
}
