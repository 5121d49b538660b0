// internal/service/notification/service.go
package notification

import (
	"context"
	"fmt"
	"time"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/notification"
	wstypes "civicreport-service/internal/domain/websocket"
	xerrors "civicreport-service/internal/pkg/errors"

	"go.uber.org/zap"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 50
)

type Repository interface {
	Create(ctx context.Context, n *notification.Notification) error
	ListForReader(ctx context.Context, reader notification.Reader, limit int) ([]notification.Notification, error)
	CountUnread(ctx context.Context, reader notification.Reader) (int, error)
	MarkRead(ctx context.Context, reader notification.Reader, ids []string) (int64, error)
}

// Emitter pushes events into live channel rooms.
type Emitter interface {
	Emit(rooms []wstypes.Room, eventType wstypes.EventType, data interface{})
}

// NotificationService handles notification business logic
type NotificationService struct {
	repo   Repository
	hub    Emitter
	logger *zap.Logger
}

func NewNotificationService(repo Repository, hub Emitter, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		repo:   repo,
		hub:    hub,
		logger: logger,
	}
}

// CreateAndPush persists a notification and pushes it to the rooms its
// audience maps to. The pushed id is the stored id.
func (s *NotificationService) CreateAndPush(ctx context.Context, req *notification.CreateNotificationRequest) (*notification.Notification, error) {
	if req.Audience.Empty() {
		return nil, fmt.Errorf("notification without audience: %w", xerrors.ErrInvalidInput)
	}

	kind := req.Kind
	if kind == "" {
		kind = notification.KindInfo
	}

	n := &notification.Notification{
		Audience: req.Audience,
		Kind:     kind,
		Title:    req.Title,
		Message:  req.Message,
		IssueID:  req.IssueID,
		Status:   req.Status,
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	s.push(n)
	return n, nil
}

func (s *NotificationService) push(n *notification.Notification) {
	rooms := RoomsFor(n.Audience)
	if len(rooms) == 0 {
		s.logger.Debug("notification stored without live audience", zap.String("id", n.ID))
		return
	}
	s.hub.Emit(rooms, wstypes.EventTypeNotification, ToPush(n))
}

// RoomsFor maps an audience onto live channel rooms.
func RoomsFor(a notification.Audience) []wstypes.Room {
	var rooms []wstypes.Room
	if a.SubjectID != "" {
		rooms = append(rooms, wstypes.UserRoom(a.SubjectID))
	}
	if a.Role == auth.RoleAdmin {
		rooms = append(rooms, wstypes.RoomAdmins)
	}
	if a.Department != "" {
		rooms = append(rooms, wstypes.DepartmentRoom(a.Department))
	}
	return rooms
}

// ToPush flattens a notification into its live channel payload.
func ToPush(n *notification.Notification) wstypes.NotificationData {
	return wstypes.NotificationData{
		ID:         n.ID,
		UserID:     n.Audience.SubjectID,
		Role:       n.Audience.Role,
		Department: n.Audience.Department,
		Type:       string(n.Kind),
		Title:      n.Title,
		Message:    n.Message,
		IssueID:    n.IssueID,
		Status:     n.Status,
		CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// List returns the newest notifications visible to reader with the total
// unread count.
func (s *NotificationService) List(ctx context.Context, reader notification.Reader, limit int) (*notification.ListResponse, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	items, err := s.repo.ListForReader(ctx, reader, limit)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.CountUnread(ctx, reader)
	if err != nil {
		return nil, err
	}

	return &notification.ListResponse{Notifications: items, UnreadCount: unread}, nil
}

// MarkRead acknowledges ids for reader; no ids means everything visible.
func (s *NotificationService) MarkRead(ctx context.Context, reader notification.Reader, ids []string) (int64, error) {
	updated, err := s.repo.MarkRead(ctx, reader, ids)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("notifications marked read",
		zap.String("user_id", reader.SubjectID),
		zap.Int("requested", len(ids)),
		zap.Int64("updated", updated),
	)
	return updated, nil
}
