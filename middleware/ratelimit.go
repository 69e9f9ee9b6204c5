package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shelfmates/server/apperr"
	"golang.org/x/time/rate"
)

const (
	limiterIdle    = 10 * time.Minute
	limiterJanitor = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	mu      sync.Mutex
	r       rate.Limit
	b       int
	clients map[string]*clientLimiter
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *limiterSet) prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cl := range s.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(s.clients, k)
		}
	}
}

// RateLimit provides token-bucket rate limiting keyed by the authenticated
// user when Auth ran first, and by client IP otherwise.
// r = requests per second, b = burst size.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	set := &limiterSet{r: r, b: b, clients: make(map[string]*clientLimiter)}

	go func() {
		ticker := time.NewTicker(limiterJanitor)
		defer ticker.Stop()
		for now := range ticker.C {
			set.prune(now.Add(-limiterIdle))
		}
	}()

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := GetUserID(c); uid > 0 {
			key = "user:" + strconv.FormatInt(uid, 10)
		}
		if !set.get(key, time.Now()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  apperr.KindRateLimited,
			})
			return
		}
		c.Next()
	}
}
