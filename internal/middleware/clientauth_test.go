package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"orproxy-go/internal/keys"
	"orproxy-go/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRig(t *testing.T) (*gin.Engine, *keys.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(mr.Addr(), "", 0, "test:")
	t.Cleanup(func() { store.Close() })
	registry := keys.NewRegistry(store, keys.NewMemoryVault(), keys.Options{})

	r := gin.New()
	r.GET("/v1/models", ClientAuth(registry), func(c *gin.Context) {
		key, ok := ClientKeyFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": key.UserID})
	})
	return r, registry
}

func TestClientAuthMissingKey(t *testing.T) {
	r, _ := newAuthRig(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "missing_api_key")
	require.Equal(t, "missing_api_key", w.Header().Get("X-Error-Type"))
}

func TestClientAuthInvalidKey(t *testing.T) {
	r, _ := newAuthRig(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Client-API-Key", "bogus")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "invalid_api_key")
}

func TestClientAuthDeactivatedKey(t *testing.T) {
	r, registry := newAuthRig(t)
	ctx := context.Background()

	plaintext, key, err := registry.IssueClientKey(ctx, "user-1", nil, 0)
	require.NoError(t, err)
	_, err = registry.DeactivateClientKey(ctx, key.Fingerprint)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Client-API-Key", plaintext)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientAuthValidKey(t *testing.T) {
	r, registry := newAuthRig(t)

	plaintext, _, err := registry.IssueClientKey(context.Background(), "user-1", nil, 600)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Client-API-Key", plaintext)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user-1")
	require.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
}

func TestClientAuthRateLimitExceeded(t *testing.T) {
	r, registry := newAuthRig(t)

	// hourly 60 -> one request per minute
	plaintext, _, err := registry.IssueClientKey(context.Background(), "user-1", nil, 60)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Client-API-Key", plaintext)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Contains(t, w.Body.String(), "rate_limit_exceeded")
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	r.ServeHTTP(w, req)
	require.Equal(t, "trace-me", w.Header().Get("X-Request-ID"))
}

func TestRecoveryReturnsEnvelope(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "internal_error")
	require.NotContains(t, w.Body.String(), "kaboom", "panic detail must not leak to the client")
}

func TestAbuseGuardBlocksFloods(t *testing.T) {
	r := gin.New()
	r.Use(AbuseGuard(1, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	allowed := 0
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code == http.StatusOK {
			allowed++
		} else {
			require.Equal(t, http.StatusTooManyRequests, w.Code)
		}
	}
	require.LessOrEqual(t, allowed, 2, "burst cap bounds the admitted requests")
	require.GreaterOrEqual(t, allowed, 1)
}
