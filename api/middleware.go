package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireAPIKey aborts with 401 unless the request carries the configured
// key via "Authorization: Bearer <key>" or "?api_key=<key>". A nil or empty
// want disables the check entirely (the AuthOff config knob).
func requireAPIKey(want string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if want == "" {
			c.Next()
			return
		}

		got := c.Query("api_key")
		if got == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				got = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if got != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing api key"})
			return
		}
		c.Next()
	}
}

// localhostCORS restricts cross-origin access to localhost origins, since
// the Control API binds to 127.0.0.1 and is intended for local dashboards
// and CLI tooling only.
func localhostCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || isLocalOrigin(origin) {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func isLocalOrigin(origin string) bool {
	for _, host := range []string{"://localhost", "://127.0.0.1", "://[::1]"} {
		if strings.Contains(origin, host) {
			return true
		}
	}
	return false
}
