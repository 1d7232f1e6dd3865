package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin 升级前的 Origin 白名单校验；列表为空放行（内网部署）
func Origin(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(allowed) == 0 || c.Request.URL.Path != "/ws" {
			c.Next()
			return
		}
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				c.Next()
				return
			}
		}
		c.AbortWithStatus(http.StatusForbidden)
	}
}
