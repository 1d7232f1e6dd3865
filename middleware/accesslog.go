package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"IMCore/logger"
)

// AccessLog 普通 HTTP 路由的访问日志；WS 升级后的帧日志在网关内部
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("[http] %s %s status=%d cost=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
