// internal/handlers/websocket/websocket.go
package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	wstypes "civicreport-service/internal/domain/websocket"
	"civicreport-service/internal/pkg/response"
	ws "civicreport-service/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// originChecker accepts requests without an Origin header (native clients)
// and browser origins present in the allow list. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}

// HandleConnection handles WebSocket connection with authentication
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	token := h.extractToken(c)
	if token == "" {
		response.Error(c, http.StatusUnauthorized, "missing authentication token", nil)
		return
	}

	auth, err := h.hub.AuthenticateClient(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		response.Error(c, http.StatusUnauthorized, "authentication failed", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		return
	}

	h.hub.Serve(conn, auth)

	h.logger.Info("WebSocket client connected",
		zap.String("user_id", auth.SubjectID),
		zap.String("session_id", auth.SessionID),
		zap.String("role", auth.Role),
	)
}

// extractToken extracts token from query param or Authorization header
func (h *WebSocketHandler) extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	return ""
}

// GetStats returns connection statistics (admin only)
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	stats := map[string]interface{}{
		"total_connections": h.hub.TotalClients(),
		"admins_online":     h.hub.RoomSize(wstypes.RoomAdmins),
		"timestamp":         time.Now(),
	}

	response.Success(c, http.StatusOK, "WebSocket stats", stats)
}
