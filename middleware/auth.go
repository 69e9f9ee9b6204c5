package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/cache"
	"github.com/shelfmates/server/config"
	"go.uber.org/zap"
)

const UserIDKey = "user_id"

const cacheTimeout = 2 * time.Second

// Rejections shared by the HTTP and WebSocket gates. Their text is the
// client-visible error.
var (
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionUnavailable means the session cache could not be asked, so
	// the token is neither accepted nor known to be dead.
	ErrSessionUnavailable = errors.New("session store unavailable")
)

// SessionKey is the cache key that keeps a token usable until logout.
func SessionKey(token string) string {
	return "session:" + token
}

// UserSessionsKey is the cache set indexing the live tokens of one user.
func UserSessionsKey(userID int64) string {
	return "user_sessions:" + strconv.FormatInt(userID, 10)
}

// StoreSession marks token as live for ttl and indexes it under the user.
// Index entries whose session has lapsed are pruned on the way.
func StoreSession(ctx context.Context, c cache.Cache, token string, userID int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := c.Set(ctx, SessionKey(token), strconv.FormatInt(userID, 10), ttl); err != nil {
		return err
	}
	index := UserSessionsKey(userID)
	known, err := c.SMembers(ctx, index)
	if err != nil {
		return err
	}
	for _, t := range known {
		if live, err := c.Exists(ctx, SessionKey(t)); err == nil && !live {
			_ = c.SRem(ctx, index, t)
		}
	}
	return c.SAdd(ctx, index, token)
}

// RevokeSession makes token unusable even though its signature stays valid.
func RevokeSession(ctx context.Context, c cache.Cache, token string) error {
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	key := SessionKey(token)
	owner, lookupErr := c.Get(ctx, key)
	if err := c.Del(ctx, key); err != nil {
		return err
	}
	if lookupErr != nil {
		// Already gone; nothing to unindex.
		return nil
	}
	if uid, err := strconv.ParseInt(owner, 10, 64); err == nil {
		return c.SRem(ctx, UserSessionsKey(uid), token)
	}
	return nil
}

// RevokeUserSessions revokes every token issued to userID and returns how
// many were indexed.
func RevokeUserSessions(ctx context.Context, c cache.Cache, userID int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	index := UserSessionsKey(userID)
	tokens, err := c.SMembers(ctx, index)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, SessionKey(t))
	}
	keys = append(keys, index)
	if err := c.Del(ctx, keys...); err != nil {
		return 0, err
	}
	return len(tokens), nil
}

// Authenticate checks the token signature, expiry and live session.
func Authenticate(ctx context.Context, sec config.SecurityConfig, c cache.Cache, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	exists, err := c.Exists(ctx, SessionKey(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}
	if !exists {
		return nil, ErrSessionExpired
	}
	return claims, nil
}

// RejectStatus maps an Authenticate error to its HTTP status.
func RejectStatus(err error) int {
	if errors.Is(err, ErrSessionUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

// RejectMessage is the client-visible text for an Authenticate error. Cache
// failure detail stays in the logs.
func RejectMessage(err error) string {
	if errors.Is(err, ErrSessionUnavailable) {
		return ErrSessionUnavailable.Error()
	}
	return err.Error()
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// Auth validates the Bearer JWT token and checks the session cache.
func Auth(sec config.SecurityConfig, c cache.Cache, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := Authenticate(ctx.Request.Context(), sec, c, BearerToken(ctx))
		if err != nil {
			status := RejectStatus(err)
			log := logger.Debug
			if status != http.StatusUnauthorized {
				log = logger.Warn
			}
			log("http auth rejected",
				zap.String("path", ctx.Request.URL.Path),
				zap.String("trace_id", GetTraceID(ctx)),
				zap.Error(err))
			ctx.AbortWithStatusJSON(status, gin.H{"error": RejectMessage(err)})
			return
		}
		ctx.Set(UserIDKey, claims.UserID)
		ctx.Next()
	}
}

// GetUserID retrieves the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) int64 {
	if v, exists := c.Get(UserIDKey); exists {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
