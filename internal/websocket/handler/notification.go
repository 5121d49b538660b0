// internal/websocket/handler/notification.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"civicreport-service/internal/domain/notification"
	wstypes "civicreport-service/internal/domain/websocket"
	ws "civicreport-service/internal/websocket"
)

const (
	defaultListLimit = 20
	maxListLimit     = 50
)

// Notifications is the notification use case as seen from the socket.
type Notifications interface {
	List(ctx context.Context, reader notification.Reader, limit int) (*notification.ListResponse, error)
	MarkRead(ctx context.Context, reader notification.Reader, ids []string) (int64, error)
}

type NotificationHandler struct {
	notifications Notifications
}

func NewNotificationHandler(notifications Notifications) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// SupportedEvents returns events this handler supports
func (h *NotificationHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeNotificationRead,
		wstypes.EventTypeNotificationList,
	}
}

// HandleMessage processes notification-related messages
func (h *NotificationHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypeNotificationRead:
		return h.handleMarkRead(ctx, client, msg)

	case wstypes.EventTypeNotificationList:
		return h.handleList(ctx, client, msg)

	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

func readerOf(client *ws.Client) notification.Reader {
	return notification.Reader{
		SubjectID:  client.SubjectID(),
		Role:       client.Role(),
		Department: client.Department(),
	}
}

// handleMarkRead acknowledges the given ids, or everything when none are
// given, and replies with the new unread count.
func (h *NotificationHandler) handleMarkRead(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	var req notification.MarkReadRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("invalid mark read request: %w", err)
		}
	}

	reader := readerOf(client)
	updated, err := h.notifications.MarkRead(ctx, reader, req.IDs)
	if err != nil {
		return err
	}

	list, err := h.notifications.List(ctx, reader, 1)
	if err != nil {
		return err
	}

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeNotificationRead, map[string]interface{}{
		"ids":          req.IDs,
		"updated":      updated,
		"unread_count": list.UnreadCount,
	}))
	return nil
}

func (h *NotificationHandler) handleList(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	var req struct {
		Limit int `json:"limit"`
	}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("invalid list request: %w", err)
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	list, err := h.notifications.List(ctx, readerOf(client), req.Limit)
	if err != nil {
		return err
	}

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeNotificationList, list))
	return nil
}
