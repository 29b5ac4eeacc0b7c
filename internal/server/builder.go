package server

import (
	"net/http"
	"strings"

	"orproxy-go/internal/apierrors"
	"orproxy-go/internal/config"
	"orproxy-go/internal/events"
	"orproxy-go/internal/keys"
	"orproxy-go/internal/logging"
	"orproxy-go/internal/middleware"
	"orproxy-go/internal/proxy"
	"orproxy-go/internal/rotation"
	"orproxy-go/internal/runtime"
	"orproxy-go/internal/storage"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Deps are the assembled components the HTTP layer routes into.
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	Registry *keys.Registry
	Manager  *rotation.Manager
	Engine   *proxy.Engine
	Tasks    *runtime.TaskManager
	Bus      events.Publisher
}

// Build assembles the gin engine: ambient middleware first, then the
// authenticated proxy surface, the admin API, and the health endpoint.
func Build(deps Deps) *gin.Engine {
	if !deps.Config.Logging.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger(deps.Bus))
	engine.Use(middleware.Recovery())
	engine.Use(middleware.SecurityHeaders())
	if deps.Config.Guard.Enabled {
		engine.Use(middleware.AbuseGuard(deps.Config.Guard.RPS, deps.Config.Guard.Burst))
	}

	engine.GET("/health", healthHandler(deps))

	auth := middleware.ClientAuth(deps.Registry)

	// Primary surface: /v1/... forwards verbatim under the upstream's v1
	// prefix.
	v1 := engine.Group("/v1", auth)
	v1.Any("/*path", func(c *gin.Context) {
		deps.Engine.Proxy(c, "v1"+c.Param("path"))
	})

	// Legacy surface kept for older clients that mounted the proxy under
	// /openrouter.
	legacy := engine.Group("/openrouter", auth)
	legacy.Any("/*path", func(c *gin.Context) {
		path := c.Param("path")
		if !strings.HasPrefix(path, "/v1/") && path != "/v1" {
			path = "/v1" + path
		}
		deps.Engine.Proxy(c, strings.TrimPrefix(path, "/"))
	})

	if deps.Config.Admin.KeyHash != "" {
		admin := engine.Group("/admin", AdminAuth(deps.Config.Admin.KeyHash))
		registerAdminRoutes(admin, deps)
	}

	engine.NoRoute(func(c *gin.Context) {
		apierrors.Abort(c, http.StatusNotFound, apierrors.KindBadRequest)
	})

	return engine
}

func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		redisState := "ok"
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			// The endpoint is unauthenticated; error detail stays in the log.
			redisState = "unavailable"
			logging.WithReq(c, log.Fields{"module": "server"}).
				WithError(err).Warn("health check store ping failed")
		}

		var total, eligible int
		if all, err := deps.Registry.ListUpstreamKeys(c.Request.Context()); err == nil {
			total = len(all)
		}
		if ok, err := deps.Registry.ListEligibleUpstreamKeys(c.Request.Context()); err == nil {
			eligible = len(ok)
		}

		c.JSON(status, gin.H{
			"status":            statusWord(status),
			"redis":             redisState,
			"upstream_keys":     total,
			"eligible_keys":     eligible,
			"rotation_strategy": string(deps.Manager.CurrentStrategy()),
			"tasks":             deps.Tasks.Snapshot(),
		})
	}
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
