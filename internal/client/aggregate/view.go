// Package aggregate derives dashboard counts from the issue list visible to a
// session and refreshes them when live events concern that scope.
package aggregate

import (
	"context"
	"fmt"
	"sync"

	"civicreport-service/internal/client/livechannel"
	"civicreport-service/internal/client/sessionstore"
	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	wstypes "civicreport-service/internal/domain/websocket"

	"go.uber.org/zap"
)

type Backend interface {
	MyIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error)
	AllIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error)
	AdminIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error)
	StaffIssues(ctx context.Context, filters *issue.ListFilters) ([]issue.Issue, error)
}

// Mode selects between a citizen's own reports and the community list.
// Admin and staff views ignore it.
type Mode string

const (
	ModeMine      Mode = "mine"
	ModeCommunity Mode = "community"
)

type Summary struct {
	Total          int                    `json:"total"`
	ByStatus       map[issue.Status]int   `json:"by_status"`
	ByCategory     map[issue.Category]int `json:"by_category"`
	ResolutionRate float64                `json:"resolution_rate"`
}

// Scope returns the subset of issues the session may see in mode.
func Scope(issues []issue.Issue, sess sessionstore.Session, mode Mode) []issue.Issue {
	out := make([]issue.Issue, 0, len(issues))
	for _, it := range issues {
		switch sess.Role {
		case auth.RoleAdmin:
		case auth.RoleStaff:
			if it.Category != sess.Department {
				continue
			}
		default:
			if mode == ModeMine && it.Reporter != sess.SubjectID {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// Compute counts issues by status and category. The resolution rate is 0 for
// an empty list.
func Compute(issues []issue.Issue) Summary {
	s := Summary{
		Total:      len(issues),
		ByStatus:   make(map[issue.Status]int, len(issue.Statuses)),
		ByCategory: make(map[issue.Category]int),
	}
	for _, st := range issue.Statuses {
		s.ByStatus[st] = 0
	}
	for _, it := range issues {
		s.ByStatus[it.Status]++
		s.ByCategory[it.Category]++
	}
	if s.Total > 0 {
		s.ResolutionRate = float64(s.ByStatus[issue.StatusResolved]) / float64(s.Total)
	}
	return s
}

type View struct {
	backend Backend
	session sessionstore.Session
	mode    Mode
	logger  *zap.Logger

	mu      sync.Mutex
	issues  []issue.Issue
	summary Summary
	issued  uint64
	applied uint64
}

func New(backend Backend, sess sessionstore.Session, mode Mode, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == "" {
		mode = ModeCommunity
	}
	return &View{
		backend: backend,
		session: sess,
		mode:    mode,
		logger:  logger,
		summary: Compute(nil),
	}
}

// Refresh refetches the full list for the session's role and recomputes.
// When refreshes overlap, a result that finishes after a later-started one
// has been applied is discarded.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	v.issued++
	seq := v.issued
	v.mu.Unlock()

	var (
		issues []issue.Issue
		err    error
	)
	switch v.session.Role {
	case auth.RoleAdmin:
		issues, err = v.backend.AdminIssues(ctx, nil)
	case auth.RoleStaff:
		issues, err = v.backend.StaffIssues(ctx, nil)
	default:
		if v.mode == ModeMine {
			issues, err = v.backend.MyIssues(ctx, nil)
		} else {
			issues, err = v.backend.AllIssues(ctx, nil)
		}
	}
	if err != nil {
		return fmt.Errorf("refreshing issues: %w", err)
	}

	scoped := Scope(issues, v.session, v.mode)
	summary := Compute(scoped)

	v.mu.Lock()
	if seq <= v.applied {
		v.mu.Unlock()
		v.logger.Debug("discarding superseded aggregate refresh", zap.Uint64("seq", seq))
		return nil
	}
	v.applied = seq
	v.issues = scoped
	v.summary = summary
	v.mu.Unlock()

	v.logger.Debug("aggregate refreshed",
		zap.Int("total", summary.Total),
		zap.Float64("resolution_rate", summary.ResolutionRate),
	)
	return nil
}

// ShouldRefresh reports whether an issue event touches this view's scope.
func (v *View) ShouldRefresh(e wstypes.IssueEventData) bool {
	switch v.session.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleStaff:
		return e.Category != "" && e.Category == v.session.Department
	default:
		if v.mode == ModeMine {
			return e.Reporter == v.session.SubjectID
		}
		return true
	}
}

func (v *View) Issues() []issue.Issue {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]issue.Issue(nil), v.issues...)
}

func (v *View) Summary() Summary {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.summary
}

// Bind refreshes the view whenever ch delivers a relevant issue event.
// Refreshes run on their own goroutine until ctx ends and bursts of events
// coalesce into one refetch. onRefresh, when set, sees every result.
func (v *View) Bind(ctx context.Context, ch *livechannel.Client, onRefresh func(error)) []livechannel.Subscription {
	kick := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
				err := v.Refresh(ctx)
				if err != nil && ctx.Err() == nil {
					v.logger.Warn("aggregate refresh failed", zap.Error(err))
				}
				if onRefresh != nil && ctx.Err() == nil {
					onRefresh(err)
				}
			}
		}
	}()

	handler := func(e livechannel.Event) {
		var data wstypes.IssueEventData
		if err := e.Decode(&data); err != nil {
			v.logger.Warn("dropping malformed issue event", zap.String("type", string(e.Type)), zap.Error(err))
			return
		}
		if !v.ShouldRefresh(data) {
			return
		}
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	return []livechannel.Subscription{
		ch.On(wstypes.EventTypeNewIssue, handler),
		ch.On(wstypes.EventTypeStatusUpdate, handler),
		ch.On(wstypes.EventTypeIssueUpdated, handler),
	}
}
