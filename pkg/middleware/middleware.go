package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-settlement/internal/auth"
	"github.com/ksred/klear-settlement/pkg/response"
)

const claimsKey = "claims"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Configure limits per endpoint type
	authLimit   = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	intakeLimit = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	readLimit   = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

func limitFor(method, path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/internal/settlements") && method == "POST":
		return intakeLimit, 20
	case strings.HasPrefix(path, "/api/v1/internal"):
		return readLimit, 20
	default:
		return rate.Inf, 1
	}
}

func getLimiter(method, path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := visitors[key]
	if !exists {
		limit, burst := limitFor(method, path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// CleanupVisitors drops idle limiters every minute until ctx is done.
func CleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			for key, v := range visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(visitors, key)
				}
			}
			mu.Unlock()
		}
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.ClientIP()
		if claims, ok := ClaimsFrom(c); ok {
			clientKey = claims.OperatorID
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator checks bearer tokens. *auth.Service implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Set("operatorID", claims.OperatorID)
		c.Next()
	}
}

// RequirePermission rejects tokens without permission. It must run after
// JWTAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			response.Unauthorized(c, "Authentication required")
			c.Abort()
			return
		}
		if !claims.Has(permission) {
			response.Forbidden(c, "Missing permission: "+permission)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims JWTAuth stored on the context.
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
