package apierrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind names every error the dataplane can surface to a client. Internal
// detail never leaks: the message texts below are the complete set.
type Kind string

const (
	KindMissingAPIKey     Kind = "missing_api_key"
	KindInvalidAPIKey     Kind = "invalid_api_key"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindNoUpstream        Kind = "no_upstream_available"
	KindProxyFailed       Kind = "proxy_failed"
	KindInternal          Kind = "internal_error"
	KindUnauthorized      Kind = "unauthorized"
	KindBadRequest        Kind = "bad_request"
)

var messages = map[Kind]string{
	KindMissingAPIKey:     "API key is required. Include 'X-Client-API-Key' header.",
	KindInvalidAPIKey:     "Invalid or inactive API key.",
	KindRateLimitExceeded: "Rate limit exceeded. Please slow down your requests.",
	KindNoUpstream:        "No healthy upstream keys available.",
	KindProxyFailed:       "Failed to proxy request after retries.",
	KindInternal:          "Internal server error occurred.",
	KindUnauthorized:      "Invalid admin credentials.",
	KindBadRequest:        "Malformed request.",
}

// Envelope is the client-facing JSON error shape.
type Envelope struct {
	Error Body `json:"error"`
}

// Body carries the kind, message, and HTTP status of one error.
type Body struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// New builds an envelope with the canonical message for the kind.
func New(kind Kind, status int) Envelope {
	msg := messages[kind]
	if msg == "" {
		msg = messages[KindInternal]
	}
	return Envelope{Error: Body{Type: kind, Message: msg, Code: status}}
}

// Abort writes the envelope and stops the gin chain.
func Abort(c *gin.Context, status int, kind Kind) {
	c.Header("X-Error-Type", string(kind))
	c.AbortWithStatusJSON(status, New(kind, status))
}

// AbortWithMessage writes an envelope with an explicit safe message.
func AbortWithMessage(c *gin.Context, status int, kind Kind, message string) {
	c.Header("X-Error-Type", string(kind))
	c.AbortWithStatusJSON(status, Envelope{Error: Body{Type: kind, Message: message, Code: status}})
}

// StatusFor maps common kinds to their HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindMissingAPIKey, KindInvalidAPIKey, KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindNoUpstream:
		return http.StatusServiceUnavailable
	case KindProxyFailed:
		return http.StatusBadGateway
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
