package middleware

import (
	"net/http"
	"strconv"

	"orproxy-go/internal/apierrors"
	"orproxy-go/internal/keys"
	"orproxy-go/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by ClientAuth for downstream handlers and loggers.
const (
	CtxClientKey = "client_key"
	CtxUserID    = "user_id"
)

// ClientAuth validates the X-Client-API-Key header against the registry
// and enforces the per-client rolling rate limit. On success the resolved
// key rides the gin context; X-RateLimit-* headers are set on the way
// out.
//
// The gate rejects on registry read errors (fail closed for validation)
// while the limiter inside the registry fails open on its own store
// errors.
func ClientAuth(registry *keys.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-Client-API-Key")
		if apiKey == "" {
			apierrors.Abort(c, http.StatusUnauthorized, apierrors.KindMissingAPIKey)
			return
		}

		clientKey, err := registry.ValidateClientKey(c.Request.Context(), apiKey)
		if err != nil {
			logging.WithReq(c, log.Fields{"module": "auth"}).
				WithError(err).Error("client key validation unavailable")
			apierrors.Abort(c, http.StatusUnauthorized, apierrors.KindInvalidAPIKey)
			return
		}
		if clientKey == nil {
			apierrors.Abort(c, http.StatusUnauthorized, apierrors.KindInvalidAPIKey)
			return
		}

		decision := registry.CheckRateLimit(c.Request.Context(), clientKey.UserID, clientKey.RateLimit)
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			logging.WithReq(c, log.Fields{
				"module":  "auth",
				"user_id": clientKey.UserID,
			}).Warn("client rate limit exceeded")
			apierrors.Abort(c, http.StatusTooManyRequests, apierrors.KindRateLimitExceeded)
			return
		}

		c.Set(CtxClientKey, clientKey)
		c.Set(CtxUserID, clientKey.UserID)
		c.Next()
	}
}

// ClientKeyFrom extracts the authenticated key from the gin context.
func ClientKeyFrom(c *gin.Context) (*keys.ClientKey, bool) {
	v, ok := c.Get(CtxClientKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*keys.ClientKey)
	return key, ok
}
