package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"civicreport-service/internal/client/sessionstore"
	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	wstypes "civicreport-service/internal/domain/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const water issue.Category = "Water"

type fakeBackend struct {
	issues []issue.Issue
	err    error
	calls  map[string]int
}

func (f *fakeBackend) list(name string) ([]issue.Issue, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	return f.issues, f.err
}

func (f *fakeBackend) MyIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return f.list("mine")
}
func (f *fakeBackend) AllIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return f.list("all")
}
func (f *fakeBackend) AdminIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return f.list("admin")
}
func (f *fakeBackend) StaffIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return f.list("staff")
}

// tenIssues: 3 Water (one resolved), 7 Roads (three resolved).
func tenIssues() []issue.Issue {
	out := make([]issue.Issue, 0, 10)
	for i := 0; i < 10; i++ {
		it := issue.Issue{
			ID:       fmt.Sprintf("i%d", i),
			Category: issue.CategoryRoads,
			Status:   issue.StatusPending,
			Reporter: "u1",
		}
		if i < 3 {
			it.Category = water
			it.Reporter = "u2"
		}
		if i == 0 || i == 5 || i == 6 || i == 7 {
			it.Status = issue.StatusResolved
		}
		if i == 1 || i == 8 {
			it.Status = issue.StatusInProgress
		}
		out = append(out, it)
	}
	return out
}

var staffWater = sessionstore.Session{SubjectID: "s1", Role: auth.RoleStaff, Department: water}

func TestStaffDepartmentScenario(t *testing.T) {
	issues := tenIssues()
	resolved := 0
	for _, it := range issues {
		if it.Status == issue.StatusResolved {
			resolved++
		}
	}
	require.Equal(t, 4, resolved)

	scoped := Scope(issues, staffWater, ModeCommunity)
	require.Len(t, scoped, 3)

	s := Compute(scoped)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.ByStatus[issue.StatusResolved])
	assert.Equal(t, 1, s.ByStatus[issue.StatusInProgress])
	assert.Equal(t, 1, s.ByStatus[issue.StatusPending])
	assert.Equal(t, map[issue.Category]int{water: 3}, s.ByCategory)
	assert.InDelta(t, 1.0/3.0, s.ResolutionRate, 1e-9)
}

func TestScopeByRole(t *testing.T) {
	issues := tenIssues()

	admin := sessionstore.Session{SubjectID: "a1", Role: auth.RoleAdmin}
	assert.Len(t, Scope(issues, admin, ModeMine), 10)

	citizen := sessionstore.Session{SubjectID: "u2", Role: auth.RoleUser}
	assert.Len(t, Scope(issues, citizen, ModeMine), 3)
	assert.Len(t, Scope(issues, citizen, ModeCommunity), 10)

	noDept := sessionstore.Session{SubjectID: "s2", Role: auth.RoleStaff}
	assert.Empty(t, Scope(issues, noDept, ModeCommunity))
}

func TestComputeEmpty(t *testing.T) {
	s := Compute(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.ResolutionRate)
	assert.Len(t, s.ByStatus, len(issue.Statuses))
	assert.Empty(t, s.ByCategory)
}

func TestRefreshUsesRoleEndpoint(t *testing.T) {
	cases := []struct {
		sess sessionstore.Session
		mode Mode
		want string
	}{
		{sessionstore.Session{Role: auth.RoleAdmin}, ModeCommunity, "admin"},
		{staffWater, ModeCommunity, "staff"},
		{sessionstore.Session{SubjectID: "u1", Role: auth.RoleUser}, ModeMine, "mine"},
		{sessionstore.Session{SubjectID: "u1", Role: auth.RoleUser}, ModeCommunity, "all"},
	}
	for _, tc := range cases {
		backend := &fakeBackend{issues: tenIssues()}
		v := New(backend, tc.sess, tc.mode, zap.NewNop())
		require.NoError(t, v.Refresh(context.Background()))
		assert.Equal(t, map[string]int{tc.want: 1}, backend.calls, tc.want)
	}

	backend := &fakeBackend{issues: tenIssues()}
	v := New(backend, staffWater, ModeCommunity, zap.NewNop())
	require.NoError(t, v.Refresh(context.Background()))
	assert.Len(t, v.Issues(), 3)
	assert.Equal(t, 3, v.Summary().Total)
}

func TestRefreshFailureKeepsPreviousSummary(t *testing.T) {
	backend := &fakeBackend{issues: tenIssues()}
	v := New(backend, sessionstore.Session{Role: auth.RoleAdmin}, ModeCommunity, zap.NewNop())
	require.NoError(t, v.Refresh(context.Background()))

	backend.err = errors.New("502")
	assert.Error(t, v.Refresh(context.Background()))
	assert.Equal(t, 10, v.Summary().Total)
}

func TestShouldRefresh(t *testing.T) {
	waterEvent := wstypes.IssueEventData{IssueID: "i1", Category: water, Reporter: "u2"}
	roadEvent := wstypes.IssueEventData{IssueID: "i9", Category: issue.CategoryRoads, Reporter: "u1"}

	admin := New(&fakeBackend{}, sessionstore.Session{Role: auth.RoleAdmin}, ModeCommunity, nil)
	assert.True(t, admin.ShouldRefresh(roadEvent))

	staff := New(&fakeBackend{}, staffWater, ModeCommunity, nil)
	assert.True(t, staff.ShouldRefresh(waterEvent))
	assert.False(t, staff.ShouldRefresh(roadEvent))

	u1 := sessionstore.Session{SubjectID: "u1", Role: auth.RoleUser}
	mine := New(&fakeBackend{}, u1, ModeMine, nil)
	assert.True(t, mine.ShouldRefresh(roadEvent))
	assert.False(t, mine.ShouldRefresh(waterEvent))

	community := New(&fakeBackend{}, u1, ModeCommunity, nil)
	assert.True(t, community.ShouldRefresh(waterEvent))
}

// gatedBackend answers each admin list call with its own reply, holding
// calls that have a gate until it is closed.
type gatedBackend struct {
	fakeBackend
	mu      sync.Mutex
	calls   int
	replies [][]issue.Issue
	gates   map[int]chan struct{}
	started chan int
}

func (g *gatedBackend) AdminIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	gate := g.gates[call]
	g.mu.Unlock()

	g.started <- call
	if gate != nil {
		<-gate
	}
	return g.replies[call], nil
}

func TestOlderRefreshDoesNotOverwriteNewer(t *testing.T) {
	older := []issue.Issue{{ID: "i1", Category: water, Status: issue.StatusPending}}
	newer := []issue.Issue{
		{ID: "i1", Category: water, Status: issue.StatusResolved},
		{ID: "i2", Category: water, Status: issue.StatusResolved},
	}
	backend := &gatedBackend{
		replies: [][]issue.Issue{older, newer},
		gates:   map[int]chan struct{}{0: make(chan struct{})},
		started: make(chan int, 2),
	}
	v := New(backend, sessionstore.Session{Role: auth.RoleAdmin}, ModeCommunity, zap.NewNop())

	first := make(chan error, 1)
	go func() { first <- v.Refresh(context.Background()) }()
	require.Equal(t, 0, <-backend.started)

	require.NoError(t, v.Refresh(context.Background()))
	<-backend.started
	require.Equal(t, 2, v.Summary().Total)

	close(backend.gates[0])
	require.NoError(t, <-first)

	summary := v.Summary()
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1.0, summary.ResolutionRate)
	assert.Len(t, v.Issues(), 2)
}
