// internal/handlers/notification/notification_handler.go
package notification

import (
	"net/http"
	"strconv"

	"civicreport-service/internal/domain/notification"
	"civicreport-service/internal/middleware"
	"civicreport-service/internal/pkg/response"
	service "civicreport-service/internal/service/notification"

	"github.com/gin-gonic/gin"
)

type NotificationHandler struct {
	notificationService *service.NotificationService
}

func NewNotificationHandler(notificationService *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

func readerFrom(c *gin.Context) notification.Reader {
	claims := middleware.MustGetClaims(c)
	return notification.Reader{
		SubjectID:  claims.SubjectID(),
		Role:       claims.Role,
		Department: claims.Department,
	}
}

// GetNotifications returns the newest notifications visible to the caller
// and the unread count.
func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultListLimit)))
	if err != nil {
		limit = service.DefaultListLimit
	}

	result, err := h.notificationService.List(c.Request.Context(), readerFrom(c), limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to get notifications", err)
		return
	}

	response.Success(c, http.StatusOK, "notifications retrieved", result)
}

// MarkRead acknowledges the given ids, or all visible notifications when the
// list is empty.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	var req notification.MarkReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, "invalid request", err)
			return
		}
	}

	updated, err := h.notificationService.MarkRead(c.Request.Context(), readerFrom(c), req.IDs)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to mark notifications read", err)
		return
	}

	response.Success(c, http.StatusOK, "notifications marked read", notification.MarkReadResponse{Updated: updated})
}
