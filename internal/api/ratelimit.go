package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0gfoundation/0g-permit-vault/internal/auth"
)

type walletLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter limits deposits per authenticated wallet.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	cleanup time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	limiters map[common.Address]*walletLimiter

	stopCh chan struct{}
}

// NewRateLimiter allows perMinute deposits per wallet with the given burst.
// Idle wallets are forgotten after twice the cleanup interval.
func NewRateLimiter(perMinute, burst int, cleanup time.Duration, log *zap.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		cleanup:  cleanup,
		log:      log,
		limiters: make(map[common.Address]*walletLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) Stop() { close(rl.stopCh) }

// Middleware must run after auth.Middleware.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, ok := auth.Wallet(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if !rl.limiterFor(wallet).Allow() {
			rl.log.Warn("rate limit exceeded", zap.String("wallet", wallet.Hex()))
			c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "rate_limited",
				"error": "too many deposits, retry later",
			})
			return
		}
		c.Next()
	}
}

// Len is the number of wallets currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) limiterFor(wallet common.Address) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	wl, ok := rl.limiters[wallet]
	if !ok {
		wl = &walletLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[wallet] = wl
	}
	wl.lastAccess = time.Now()
	return wl.limiter
}

func (rl *RateLimiter) retryAfter() int {
	if rl.limit <= 0 {
		return 60
	}
	sec := int(math.Ceil(1.0 / float64(rl.limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	ttl := rl.cleanup * 2
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for wallet, wl := range rl.limiters {
		if now.Sub(wl.lastAccess) > ttl {
			delete(rl.limiters, wallet)
		}
	}
}
