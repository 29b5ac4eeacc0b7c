package keys

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// RateLimitDecision is the outcome of one rolling-window check.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int // per-minute limit derived from the hourly limit
	Remaining int
}

// CheckRateLimit enforces the per-client rolling window: a fixed
// per-minute counter of max(1, hourly/60), expiring after 60 seconds.
// Window edges can admit up to twice the nominal hourly rate; that is an
// accepted property of this accounting model.
//
// A store failure fails open: request availability must not depend on the
// limiter's counter being reachable.
func (r *Registry) CheckRateLimit(ctx context.Context, userID string, hourlyLimit int) RateLimitDecision {
	perMinute := hourlyLimit / 60
	if perMinute < 1 {
		perMinute = 1
	}

	minute := r.now().Unix() / 60
	counterKey := fmt.Sprintf("rate:%s:%d", userID, minute)

	count, err := r.store.IncrementCounter(ctx, counterKey, 60*time.Second)
	if err != nil {
		log.WithFields(log.Fields{"module": "keys", "user_id": userID}).
			WithError(err).Warn("rate limit counter unavailable, failing open")
		return RateLimitDecision{Allowed: true, Limit: perMinute, Remaining: perMinute - 1}
	}

	remaining := perMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitDecision{
		Allowed:   count <= int64(perMinute),
		Limit:     perMinute,
		Remaining: remaining,
	}
}
