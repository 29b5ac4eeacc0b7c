package middleware

import (
	"net/http"
	"runtime/debug"

	"orproxy-go/internal/apierrors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery converts handler panics into a clean 500 envelope. Stack
// traces go to the log, never to the client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"error":     err,
					"stack":     string(debug.Stack()),
					"path":      c.Request.URL.Path,
					"method":    c.Request.Method,
					"client_ip": c.ClientIP(),
				}).Error("panic recovered")

				apierrors.Abort(c, http.StatusInternalServerError, apierrors.KindInternal)
			}
		}()
		c.Next()
	}
}
