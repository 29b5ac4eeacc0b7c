package server

import (
	"errors"
	"net/http"

	"orproxy-go/internal/apierrors"
	"orproxy-go/internal/keys"
	"orproxy-go/internal/rotation"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the management surface. The caller presents the
// plaintext admin key in X-Admin-Key and it is checked against the
// configured bcrypt hash.
func AdminAuth(keyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Admin-Key")
		if provided == "" {
			apierrors.Abort(c, http.StatusUnauthorized, apierrors.KindUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(provided)); err != nil {
			apierrors.Abort(c, http.StatusUnauthorized, apierrors.KindUnauthorized)
			return
		}
		c.Next()
	}
}

func registerAdminRoutes(g *gin.RouterGroup, deps Deps) {
	g.POST("/client-keys", createClientKey(deps))
	g.GET("/client-keys", listClientKeys(deps))
	g.GET("/client-keys/:fingerprint", getClientKey(deps))
	g.POST("/client-keys/:fingerprint/deactivate", setClientKeyActive(deps, false))
	g.POST("/client-keys/:fingerprint/reactivate", setClientKeyActive(deps, true))
	g.DELETE("/client-keys/:fingerprint", deleteClientKey(deps))

	g.POST("/upstream-keys", addUpstreamKey(deps))
	g.POST("/upstream-keys/bulk", bulkAddUpstreamKeys(deps))
	g.GET("/upstream-keys", listUpstreamKeys(deps))
	g.GET("/upstream-keys/:fingerprint", getUpstreamKey(deps))
	g.DELETE("/upstream-keys/:fingerprint", deleteUpstreamKey(deps))

	g.GET("/breakers", listBreakers(deps))
	g.POST("/breakers/:fingerprint/reset", resetBreaker(deps))

	g.GET("/rotation/strategy", getStrategy(deps))
	g.PUT("/rotation/strategy", setStrategy(deps))
	g.POST("/rotation/sweep", triggerSweep(deps))
}

type createClientKeyRequest struct {
	UserID      string   `json:"user_id" binding:"required"`
	Permissions []string `json:"permissions"`
	RateLimit   int      `json:"rate_limit"`
}

func createClientKey(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createClientKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			return
		}

		plaintext, key, err := deps.Registry.IssueClientKey(c.Request.Context(), req.UserID, req.Permissions, req.RateLimit)
		if err != nil {
			switch {
			case errors.Is(err, keys.ErrConflict):
				apierrors.AbortWithMessage(c, http.StatusConflict, apierrors.KindBadRequest, "key fingerprint collision, retry")
			default:
				apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			}
			return
		}

		log.WithFields(log.Fields{
			"module":      "admin",
			"user_id":     key.UserID,
			"fingerprint": key.Fingerprint,
		}).Info("client key issued")

		// The plaintext is shown exactly once.
		c.JSON(http.StatusCreated, gin.H{
			"api_key": plaintext,
			"key":     key,
		})
	}
}

func listClientKeys(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		list, err := deps.Registry.ListClientKeys(c.Request.Context(), userID)
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": list, "count": len(list)})
	}
}

func getClientKey(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := deps.Registry.GetClientKey(c.Request.Context(), c.Param("fingerprint"))
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		if key == nil {
			apierrors.Abort(c, http.StatusNotFound, apierrors.KindBadRequest)
			return
		}
		c.JSON(http.StatusOK, key)
	}
}

func setClientKeyActive(deps Deps, active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			found bool
			err   error
		)
		fp := c.Param("fingerprint")
		if active {
			found, err = deps.Registry.ReactivateClientKey(c.Request.Context(), fp)
		} else {
			found, err = deps.Registry.DeactivateClientKey(c.Request.Context(), fp)
		}
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		if !found {
			apierrors.Abort(c, http.StatusNotFound, apierrors.KindBadRequest)
			return
		}
		c.JSON(http.StatusOK, gin.H{"fingerprint": fp, "is_active": active})
	}
}

func deleteClientKey(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		found, err := deps.Registry.DeleteClientKey(c.Request.Context(), c.Param("fingerprint"))
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		if !found {
			apierrors.Abort(c, http.StatusNotFound, apierrors.KindBadRequest)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type addUpstreamKeyRequest struct {
	Key string `json:"key" binding:"required"`
}

func addUpstreamKey(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addUpstreamKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			return
		}

		fp, err := deps.Registry.AddUpstreamKey(c.Request.Context(), req.Key)
		if err != nil {
			apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			return
		}
		if fp == "" {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"fingerprint": fp})
	}
}

type bulkAddRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

func bulkAddUpstreamKeys(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bulkAddRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			return
		}

		result, err := deps.Registry.BulkAddUpstreamKeys(c.Request.Context(), req.Keys)
		if err != nil {
			if errors.Is(err, keys.ErrTooManyKeys) {
				apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
				return
			}
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func listUpstreamKeys(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := deps.Registry.ListUpstreamKeys(c.Request.Context())
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": list, "count": len(list)})
	}
}

func getUpstreamKey(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := deps.Registry.GetUpstreamKey(c.Request.Context(), c.Param("fingerprint"))
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		if key == nil {
			apierrors.Abort(c, http.StatusNotFound, apierrors.KindBadRequest)
			return
		}
		c.JSON(http.StatusOK, key)
	}
}

func deleteUpstreamKey(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		found, err := deps.Registry.DeleteUpstreamKey(c.Request.Context(), c.Param("fingerprint"))
		if err != nil {
			apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			return
		}
		if !found {
			apierrors.Abort(c, http.StatusNotFound, apierrors.KindBadRequest)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func listBreakers(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": deps.Manager.BreakerSnapshots()})
	}
}

func resetBreaker(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		fp := c.Param("fingerprint")
		deps.Manager.ResetBreaker(fp)
		log.WithFields(log.Fields{"module": "admin", "fingerprint": fp}).Info("breaker reset")
		c.JSON(http.StatusOK, gin.H{"fingerprint": fp, "state": "closed"})
	}
}

func getStrategy(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"strategy": string(deps.Manager.CurrentStrategy())})
	}
}

type setStrategyRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

func setStrategy(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setStrategyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			return
		}

		strategy, err := rotation.ParseStrategy(req.Strategy)
		if err != nil {
			apierrors.AbortWithMessage(c, http.StatusBadRequest, apierrors.KindBadRequest, err.Error())
			return
		}

		deps.Manager.SetStrategy(strategy)
		log.WithFields(log.Fields{"module": "admin", "strategy": string(strategy)}).Info("rotation strategy changed")
		c.JSON(http.StatusOK, gin.H{"strategy": string(strategy)})
	}
}

func triggerSweep(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := deps.Manager.Sweep(c.Request.Context()); err != nil {
			apierrors.AbortWithMessage(c, http.StatusInternalServerError, apierrors.KindInternal, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
