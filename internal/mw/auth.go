package mw

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/log"
)

// TokenKey is the gin context key holding the caller's *devicetoken.Metadata.
// It is absent when the caller used the legacy API key.
const TokenKey = "device_token"

// APIKeyHeader carries the legacy static key.
const APIKeyHeader = "X-API-Key"

// TokenFrom returns the validated token metadata for the request, if any.
func TokenFrom(c *gin.Context) (*devicetoken.Metadata, bool) {
	v, ok := c.Get(TokenKey)
	if !ok {
		return nil, false
	}
	meta, ok := v.(*devicetoken.Metadata)
	return meta, ok
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return c.Query("token")
}

func deny(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// SetRetryAfter sets Retry-After to d rounded up to whole seconds.
func SetRetryAfter(c *gin.Context, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}

// RequireToken admits requests carrying a valid device token with every
// listed scope, or the legacy static API key when one is configured.
// Failed attempts count toward the caller IP's lockout; a locked IP is
// rejected before its credentials are looked at.
func RequireToken(svc *devicetoken.Service, lockout *devicetoken.Lockout, apiKey string, scopes ...string) gin.HandlerFunc {
	logger := log.WithComponent("auth")
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if left := lockout.Remaining(ip); left > 0 {
			SetRetryAfter(c, left)
			deny(c, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		svc.MaybeSweep()

		if apiKey != "" {
			if key := c.GetHeader(APIKeyHeader); key != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
					lockout.Reset(ip)
					c.Next()
					return
				}
				if lockout.Fail(ip) {
					logger.Warn().Str("ip", ip).Msg("Client locked out after failed API key attempts")
				}
				deny(c, http.StatusUnauthorized, "invalid API key")
				return
			}
		}

		raw := bearerToken(c)
		if raw == "" {
			lockout.Fail(ip)
			deny(c, http.StatusUnauthorized, "missing credentials")
			return
		}

		meta, err := svc.Validate(raw)
		if err != nil {
			if lockout.Fail(ip) {
				logger.Warn().Str("ip", ip).Msg("Client locked out after failed token attempts")
			}
			logger.Debug().Err(err).Str("ip", ip).Msg("Token rejected")
			deny(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		lockout.Reset(ip)

		for _, scope := range scopes {
			if !meta.HasScope(scope) {
				deny(c, http.StatusForbidden, "token lacks scope "+scope)
				return
			}
		}

		c.Set(TokenKey, meta)
		c.Next()
	}
}
