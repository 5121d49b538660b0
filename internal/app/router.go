// internal/app/router.go
package app

import (
	"context"
	"net/http"
	"time"

	"civicreport-service/internal/domain/auth"
	authHandler "civicreport-service/internal/handlers/auth"
	issueHandler "civicreport-service/internal/handlers/issue"
	notifyHandler "civicreport-service/internal/handlers/notification"
	wsHandler "civicreport-service/internal/handlers/websocket"
	"civicreport-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	AuthHandler    *authHandler.AuthHandler
	IssueHandler   *issueHandler.IssueHandler
	NotifHandler   *notifyHandler.NotificationHandler
	WSHandler      *wsHandler.WebSocketHandler
	AuthMiddleware *middleware.AuthMiddleware

	// Health reports dependency state keyed by component name; "ok" is healthy.
	Health  func(ctx context.Context) map[string]string
	Metrics prometheus.Gatherer
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")
	am := h.AuthMiddleware

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		deps := map[string]string{}
		if h.Health != nil {
			deps = h.Health(ctx)
		}
		code := http.StatusOK
		for name, state := range deps {
			if state != "ok" {
				logger.Warn("health check failed", zap.String("component", name), zap.String("state", state))
				code = http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{"status": http.StatusText(code), "version": "1.0.0", "dependencies": deps})
	})

	// ==================== Metrics ====================
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Metrics, promhttp.HandlerOpts{})))
	}

	// ==================== WebSocket ====================
	r.GET("/ws", h.WSHandler.HandleConnection)

	// ==================== Public Auth Routes ====================
	authPublic := api.Group("/auth")
	{
		authPublic.POST("/register", h.AuthHandler.Register)
		authPublic.POST("/:space/login", h.AuthHandler.Login)
	}

	// ==================== Authenticated Auth Routes ====================
	authProtected := api.Group("/auth")
	authProtected.Use(am.Auth())
	{
		authProtected.POST("/logout", h.AuthHandler.Logout)
		authProtected.GET("/me", h.AuthHandler.GetMe)
	}

	// ==================== Issues ====================
	issues := api.Group("/issues")
	issues.Use(am.Auth())
	{
		issues.GET("", h.IssueHandler.ListCommunity)
		issues.GET("/mine", h.IssueHandler.ListMine)
		issues.POST("", am.RequireRole(auth.RoleUser), h.IssueHandler.Submit)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(am.WithRole(auth.RoleAdmin)...)
	{
		admin.GET("/issues", h.IssueHandler.ListForAdmin)
		admin.POST("/issues/status", h.IssueHandler.UpdateStatus)
		admin.POST("/staff", h.AuthHandler.CreateStaff)
		admin.GET("/ws/stats", h.WSHandler.GetStats)
	}

	// ==================== Staff ====================
	staff := api.Group("/staff")
	staff.Use(am.WithRole(auth.RoleStaff)...)
	{
		staff.GET("/issues", h.IssueHandler.ListForStaff)
		staff.POST("/issues/status", h.IssueHandler.UpdateStatus)
	}

	// ==================== Notifications ====================
	notifications := api.Group("/notifications")
	notifications.Use(am.Auth())
	{
		notifications.GET("", h.NotifHandler.GetNotifications)
		notifications.POST("/mark-read", h.NotifHandler.MarkRead)
	}
}
