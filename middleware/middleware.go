package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/logs"

	"polymarket-copytrader/metrics"
)

var (
	// Ethereum address regex: 0x followed by 40 hex characters
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// BasicAuth returns a middleware that implements HTTP Basic Authentication.
// Credentials come from AUTH_USERNAME and AUTH_PASSWORD; without them the
// API is open.
func BasicAuth() gin.HandlerFunc {
	return BasicAuthWith(os.Getenv("AUTH_USERNAME"), os.Getenv("AUTH_PASSWORD"))
}

// BasicAuthWith is BasicAuth with explicit credentials
func BasicAuthWith(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth {
			c.Header("WWW-Authenticate", `Basic realm="Copy Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		// Use constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="Copy Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// ValidateAccount validates that the :id parameter is an Ethereum address
// and stores the lower-cased form under "account"
func ValidateAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := strings.ToLower(strings.TrimSpace(c.Param("id")))
		if !ethAddressRegex.MatchString(account) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid account format. Must be a valid Ethereum address (0x + 40 hex characters)",
			})
			return
		}

		c.Set("account", account)
		c.Next()
	}
}

// ValidateLimit rejects a limit query parameter outside 1..max
func ValidateLimit(max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > max {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid limit parameter. Must be a positive integer between 1 and " + strconv.Itoa(max),
				})
				return
			}
		}
		c.Next()
	}
}

// RequestMetrics records request counts and durations per route
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		if c.Writer.Status() >= http.StatusInternalServerError {
			logs.Errorf("[API] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), elapsed.Round(time.Millisecond))
		}
	}
}
