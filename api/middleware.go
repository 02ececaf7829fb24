package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seamgate/seamgate/logger"
)

func mwLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startTime := time.Now()
		ctx.Next()
		duration := time.Since(startTime)

		logger.Default().WithFields(map[string]any{
			"kind":     "api",
			"method":   ctx.Request.Method,
			"uri":      ctx.Request.RequestURI,
			"code":     ctx.Writer.Status(),
			"client":   ctx.ClientIP(),
			"duration": duration,
		}).Infof("| %3d | %13v | %15s | %-7s %s",
			ctx.Writer.Status(), duration, ctx.ClientIP(), ctx.Request.Method, ctx.Request.RequestURI)
	}
}

func mwBasicAuth(users map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(users) == 0 {
			return
		}
		u, p, _ := c.Request.BasicAuth()
		if pw, ok := users[u]; !ok ||
			subtle.ConstantTimeCompare([]byte(pw), []byte(p)) != 1 {
			c.Writer.Header().Set("WWW-Authenticate", "Basic")
			c.JSON(http.StatusUnauthorized, Response{
				Code: http.StatusUnauthorized,
				Msg:  "Unauthorized",
			})
			c.Abort()
		}
	}
}
