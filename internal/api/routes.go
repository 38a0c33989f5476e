package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/api/handlers"
	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/metrics"
	"github.com/playmatatu/arena/internal/middleware"
	"github.com/playmatatu/arena/internal/ws"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, hub *ws.Hub, cfg *config.Config, log *zap.Logger) {
	router.Use(middleware.CORSMiddleware(cfg, log))

	if !cfg.IsProduction() {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Next()
		})
	}

	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck)

		v1.POST("/queue", h.Enqueue)

		matches := v1.Group("/matches")
		{
			matches.GET("/:id", h.GetMatch)
			matches.POST("/:id/register", h.Register)
			matches.POST("/:id/join", h.JoinLobby)
			matches.POST("/:id/stats", h.SubmitStats)
			matches.POST("/:id/stats/import", h.ImportStats)
			matches.POST("/:id/reports", h.SubmitReport)
		}

		v1.GET("/users/:id/transactions", h.UserTransactions)

		if hub != nil {
			v1.GET("/ws", ws.Handler(hub, middleware.OriginChecker(cfg)))
		}

		adm := v1.Group("/admin")
		{
			adm.POST("/login", h.AdminLogin)

			ops := adm.Group("", middleware.RequireOperator(h.Admin))
			ops.POST("/matches", h.OpenMatch)
			ops.POST("/matches/:id/override", h.OverrideMatch)
			ops.POST("/matches/:id/submissions/:user_id/verify", h.VerifySubmission)
			ops.POST("/users", h.CreateUser)
			ops.POST("/users/:id/deposits", h.Deposit)
			ops.GET("/audit", h.AuditLog)
		}
	}
}
