package middleware

import (
	"net/http"
	"sync"
	"time"

	"orproxy-go/internal/apierrors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// AbuseGuard is a coarse pre-auth token bucket per client IP with an
// additional global bucket. It protects the auth path itself from floods;
// the real per-client accounting happens after authentication.
func AbuseGuard(rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}

	var (
		mu        sync.Mutex
		entries   = make(map[string]*guardEntry)
		lastSweep time.Time
	)
	global := rate.NewLimiter(rate.Limit(rps*5), burst*5)

	return func(c *gin.Context) {
		if !global.Allow() {
			apierrors.Abort(c, http.StatusTooManyRequests, apierrors.KindRateLimitExceeded)
			return
		}

		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		entry, ok := entries[ip]
		if !ok {
			entry = &guardEntry{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			entries[ip] = entry
		}
		entry.lastSeen = now
		// opportunistic sweep roughly every two minutes
		if lastSweep.IsZero() || now.Sub(lastSweep) > 2*time.Minute {
			for k, e := range entries {
				if now.Sub(e.lastSeen) > 15*time.Minute {
					delete(entries, k)
				}
			}
			lastSweep = now
		}
		lim := entry.lim
		mu.Unlock()

		if !lim.Allow() {
			apierrors.Abort(c, http.StatusTooManyRequests, apierrors.KindRateLimitExceeded)
			return
		}
		c.Next()
	}
}
