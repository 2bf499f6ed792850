// Package server wires the HTTP routes shared by the service and the
// simulation binary.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ksred/klear-settlement/internal/auth"
	"github.com/ksred/klear-settlement/internal/intake"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/middleware"
)

type Handlers struct {
	Auth        *auth.GinHandlers
	Tokens      middleware.TokenValidator
	Settlements *settlement.GinHandlers
	Intake      *intake.GinHandlers
	Metrics     http.Handler
}

// SetupRoutes configures all API endpoints:
//   - /health-check and /metrics are public
//   - /api/v1/auth issues operator tokens
//   - /api/v1/internal needs a token carrying the route's permission
func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/health-check", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	metrics := h.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", h.Auth.GenerateTokenHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(h.Tokens), middleware.RateLimit())
		{
			read := middleware.RequirePermission(auth.PermissionRead)
			write := middleware.RequirePermission(auth.PermissionWrite)

			internal.GET("/settlements", read, h.Settlements.ListSettlementsHandler())
			internal.GET("/settlements/:contract_hash", read, h.Settlements.GetSettlementHandler())
			internal.POST("/settlements", write, h.Intake.CreateSettlementHandler())
		}
	}
}
