package mw

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS 返回一个支持跨域请求的中间件。dev 环境允许所有来源；配置了白名单时只放行名单内的来源，
// 否则只允许同源。
func CORS(env string, origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		switch {
		case env == "dev":
			c.Header("Access-Control-Allow-Origin", origin)
		case len(origins) > 0:
			if slices.Contains(origins, origin) {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		default:
			if strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == c.Request.Host {
				c.Header("Access-Control-Allow-Origin", origin)
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
