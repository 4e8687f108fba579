package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"postpilot/logger"
	"postpilot/models"
)

// RateLimiter はクライアントごとのトークンバケットです。
// 使われなくなったクライアントは StartJanitor のゴルーチンが定期的に削除します。
type RateLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	keyFunc      func(c *gin.Context) string
	now          func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type RateLimiterOption func(*RateLimiter)

func WithIdleTTL(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.cleanupEvery = d }
}

// WithKeyFunc はクライアントの識別方法を変更します。既定は ClientIP です
func WithKeyFunc(f func(c *gin.Context) string) RateLimiterOption {
	return func(l *RateLimiter) { l.keyFunc = f }
}

func NewRateLimiter(rps float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		keyFunc:      func(c *gin.Context) string { return c.ClientIP() },
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(l.rps, l.burst)
	l.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// Allow は key のリクエストを1件消費できれば true を返します
func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).AllowN(l.now(), 1)
}

func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *RateLimiter) Cleanup() {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// StartJanitor は使われなくなったクライアントを定期的に削除します。ctx のキャンセルで止まります
func (l *RateLimiter) StartJanitor(ctx context.Context) {
	if l.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(l.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// プリフライトは数えない
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		key := l.keyFunc(c)
		if l.Allow(key) {
			c.Next()
			return
		}

		retryAfter := 1
		if l.rps > 0 {
			retryAfter = int(math.Ceil(1 / float64(l.rps)))
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))

		logger.Logger.Warn("レート制限を超えました",
			zap.String("client", key),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(ContextKeyRequestID)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, models.Failure(models.MsgRateLimited))
	}
}
