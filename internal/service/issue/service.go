// internal/service/issue/service.go
package issue

import (
	"context"
	"fmt"
	"strings"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	"civicreport-service/internal/domain/notification"
	wstypes "civicreport-service/internal/domain/websocket"
	xerrors "civicreport-service/internal/pkg/errors"
	"civicreport-service/internal/service/email"

	"go.uber.org/zap"
)

type Repository interface {
	Create(ctx context.Context, it *issue.Issue) error
	List(ctx context.Context, reporterID string, department issue.Category, filters *issue.ListFilters) ([]issue.Issue, error)
	UpdateStatus(ctx context.Context, id string, status issue.Status, updatedBy string, department issue.Category) (*issue.Issue, error)
}

type UserLookup interface {
	FindByID(ctx context.Context, id string) (*auth.User, error)
}

type Notifier interface {
	CreateAndPush(ctx context.Context, req *notification.CreateNotificationRequest) (*notification.Notification, error)
}

type Emitter interface {
	Emit(rooms []wstypes.Room, eventType wstypes.EventType, data interface{})
	EmitToAll(eventType wstypes.EventType, data interface{})
}

type Mailer interface {
	Enabled() bool
	Send(to, subject, bodyHTML string) error
}

// Actor is the authenticated caller of an issue operation.
type Actor struct {
	SubjectID  string
	Name       string
	Role       string
	Department issue.Category
}

type IssueService struct {
	repo     Repository
	users    UserLookup
	notifier Notifier
	hub      Emitter
	mailer   Mailer
	logger   *zap.Logger
}

func NewIssueService(repo Repository, users UserLookup, notifier Notifier, hub Emitter, mailer Mailer, logger *zap.Logger) *IssueService {
	return &IssueService{
		repo:     repo,
		users:    users,
		notifier: notifier,
		hub:      hub,
		mailer:   mailer,
		logger:   logger,
	}
}

// Submit files a new Pending issue, broadcasts it and notifies admins.
func (s *IssueService) Submit(ctx context.Context, actor Actor, req *issue.SubmitRequest) (*issue.Issue, error) {
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)
	if title == "" || description == "" || strings.TrimSpace(string(req.Category)) == "" {
		return nil, fmt.Errorf("title, description and category are required: %w", xerrors.ErrInvalidInput)
	}

	it := &issue.Issue{
		Title:       title,
		Description: description,
		Category:    issue.Category(strings.TrimSpace(string(req.Category))),
		Location:    req.Location,
		Reporter:    actor.SubjectID,
	}
	if err := s.repo.Create(ctx, it); err != nil {
		return nil, fmt.Errorf("failed to submit issue: %w", err)
	}
	it.ReporterName = s.nameOf(ctx, actor)

	// Everyone gets the summary: community views refresh on it and staff
	// filter by category.
	s.hub.EmitToAll(wstypes.EventTypeNewIssue, eventOf(it))

	_, err := s.notifier.CreateAndPush(ctx, &notification.CreateNotificationRequest{
		Audience: notification.Audience{Role: auth.RoleAdmin},
		Kind:     notification.KindNewIssue,
		Title:    "New issue reported",
		Message:  fmt.Sprintf("%s reported %q in %s", displayName(it.ReporterName), it.Title, it.Category),
		IssueID:  it.ID,
		Status:   it.Status,
	})
	if err != nil {
		s.logger.Error("failed to notify admins of new issue", zap.String("issue_id", it.ID), zap.Error(err))
	}

	s.logger.Info("issue submitted",
		zap.String("issue_id", it.ID),
		zap.String("category", string(it.Category)),
		zap.String("reporter", it.Reporter),
	)
	return it, nil
}

// ListMine returns the caller's own reports.
func (s *IssueService) ListMine(ctx context.Context, actor Actor, filters *issue.ListFilters) ([]issue.Issue, error) {
	return s.repo.List(ctx, actor.SubjectID, "", filters)
}

// ListCommunity returns every issue. Only category and status filters apply.
func (s *IssueService) ListCommunity(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error) {
	if filters != nil {
		filters.Location = ""
	}
	return s.repo.List(ctx, "", "", filters)
}

// ListForAdmin returns every issue with all filters.
func (s *IssueService) ListForAdmin(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error) {
	return s.repo.List(ctx, "", "", filters)
}

// ListForStaff returns the issues filed under the caller's department.
func (s *IssueService) ListForStaff(ctx context.Context, actor Actor, filters *issue.ListFilters) ([]issue.Issue, error) {
	if actor.Department == "" {
		return nil, fmt.Errorf("staff account has no category: %w", xerrors.ErrForbidden)
	}
	return s.repo.List(ctx, "", actor.Department, filters)
}

// UpdateStatus moves an issue to a new status. Staff may only touch issues
// of their own department. The reporter gets a stored notification, a push
// and a best-effort email.
func (s *IssueService) UpdateStatus(ctx context.Context, actor Actor, req *issue.UpdateStatusRequest) (*issue.Issue, error) {
	status, err := issue.ParseStatus(string(req.Status))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, xerrors.ErrInvalidInput)
	}

	var department issue.Category
	switch actor.Role {
	case auth.RoleAdmin:
	case auth.RoleStaff:
		if actor.Department == "" {
			return nil, fmt.Errorf("staff account has no category: %w", xerrors.ErrForbidden)
		}
		department = actor.Department
	default:
		return nil, fmt.Errorf("role %q cannot change status: %w", actor.Role, xerrors.ErrForbidden)
	}

	before, err := s.repo.UpdateStatus(ctx, req.IssueID, status, actor.SubjectID, department)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	updated := *before
	updated.Status = status
	updated.UpdatedBy = actor.SubjectID

	s.logger.Info("issue status changed",
		zap.String("issue_id", updated.ID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(status)),
		zap.String("by", actor.SubjectID),
	)

	_, err = s.notifier.CreateAndPush(ctx, &notification.CreateNotificationRequest{
		Audience: notification.Audience{SubjectID: updated.Reporter},
		Kind:     notification.KindIssueStatus,
		Title:    "Issue status updated",
		Message:  fmt.Sprintf("Your report %q is now %s", updated.Title, status),
		IssueID:  updated.ID,
		Status:   status,
	})
	if err != nil {
		s.logger.Error("failed to notify reporter", zap.String("issue_id", updated.ID), zap.Error(err))
	}

	event := eventOf(&updated)
	s.hub.EmitToAll(wstypes.EventTypeStatusUpdate, event)
	s.hub.Emit([]wstypes.Room{wstypes.DepartmentRoom(updated.Category)}, wstypes.EventTypeIssueUpdated, event)

	go s.emailReporter(context.WithoutCancel(ctx), &updated, status)

	return &updated, nil
}

func (s *IssueService) emailReporter(ctx context.Context, it *issue.Issue, status issue.Status) {
	if s.mailer == nil || !s.mailer.Enabled() {
		return
	}

	reporter, err := s.users.FindByID(ctx, it.Reporter)
	if err != nil {
		s.logger.Warn("cannot email reporter", zap.String("issue_id", it.ID), zap.Error(err))
		return
	}

	subject, body := email.StatusChangeEmail(reporter.Name, it, status)
	if err := s.mailer.Send(reporter.Email, subject, body); err != nil {
		s.logger.Warn("failed to email reporter", zap.String("issue_id", it.ID), zap.Error(err))
	}
}

func (s *IssueService) nameOf(ctx context.Context, actor Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	u, err := s.users.FindByID(ctx, actor.SubjectID)
	if err != nil {
		return ""
	}
	return u.Name
}

func eventOf(it *issue.Issue) wstypes.IssueEventData {
	return wstypes.IssueEventData{
		IssueID:   it.ID,
		Title:     it.Title,
		Category:  it.Category,
		Status:    it.Status,
		Reporter:  it.Reporter,
		UserName:  it.ReporterName,
		UpdatedBy: it.UpdatedBy,
	}
}

func displayName(name string) string {
	if name == "" {
		return "A resident"
	}
	return name
}
