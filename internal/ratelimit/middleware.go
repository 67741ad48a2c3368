package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"reconciler-service/config"
)

// ClientKey extracts the rate limit key for a request: first value of
// X-Forwarded-For, else X-Real-IP, else "unknown".
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "unknown"
}

// tierFor selects the policy tier by path prefix: admin and auth APIs are
// strict, everything else uses the loose general tier.
func tierFor(path string, tiers config.RateLimitConfig) config.RateLimitTier {
	switch {
	case strings.HasPrefix(path, "/api/v1/admin"):
		return tiers.Admin
	case strings.HasPrefix(path, "/api/v1/auth"):
		return tiers.Auth
	default:
		return tiers.General
	}
}

// Middleware enforces the fixed-window limit and attaches the standard
// X-RateLimit-* headers. Denied requests receive 429 with Retry-After.
func Middleware(l *Limiter, tiers config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier := tierFor(c.Request.URL.Path, tiers)
		res := l.Check(c.Request.Context(), ClientKey(c.Request), tier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
