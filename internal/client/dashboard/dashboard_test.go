package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"civicreport-service/internal/client/aggregate"
	"civicreport-service/internal/client/ledger"
	"civicreport-service/internal/client/livechannel"
	"civicreport-service/internal/client/sessionstore"
	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	"civicreport-service/internal/domain/notification"
	wstypes "civicreport-service/internal/domain/websocket"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type backend struct {
	mu        sync.Mutex
	issues    []issue.Issue
	refreshes int
}

func (b *backend) Notifications(context.Context, int) (*notification.ListResponse, error) {
	return &notification.ListResponse{Notifications: []notification.Notification{
		{ID: "n1", Audience: notification.Audience{Role: auth.RoleAdmin}},
		{ID: "n2", Audience: notification.Audience{Role: auth.RoleAdmin}, Read: true},
	}}, nil
}

func (b *backend) MarkRead(_ context.Context, ids []string) (int64, error) {
	return int64(len(ids)), nil
}

func (b *backend) list() ([]issue.Issue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return append([]issue.Issue(nil), b.issues...), nil
}

func (b *backend) MyIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return b.list()
}
func (b *backend) AllIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return b.list()
}
func (b *backend) AdminIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return b.list()
}
func (b *backend) StaffIssues(context.Context, *issue.ListFilters) ([]issue.Issue, error) {
	return b.list()
}

var admin = sessionstore.Session{Space: auth.SpaceAdmin, SubjectID: "a1", Role: auth.RoleAdmin, Credential: "tok"}

var citizen = sessionstore.Session{Space: auth.SpaceCitizen, SubjectID: "u1", Role: auth.RoleUser, Credential: "tok"}

func build(url string, be *backend) (*Dashboard, *livechannel.Client, *ledger.Ledger) {
	return buildFor(url, be, admin)
}

func buildFor(url string, be *backend, sess sessionstore.Session) (*Dashboard, *livechannel.Client, *ledger.Ledger) {
	ch := livechannel.New(url, zap.NewNop(), livechannel.WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(20 * time.Millisecond)
	}))
	l := ledger.New(be, sess, zap.NewNop())
	v := aggregate.New(be, sess, aggregate.ModeCommunity, zap.NewNop())
	return New(ch, l, v, 20, zap.NewNop()), ch, l
}

func TestMountUnmountLeavesNoHandlers(t *testing.T) {
	be := &backend{issues: []issue.Issue{{ID: "i1", Status: issue.StatusResolved}, {ID: "i2", Status: issue.StatusPending}}}
	d, ch, l := build("ws://unused", be)

	var summary aggregate.Summary
	require.NoError(t, d.Mount(context.Background(), Listener{
		Aggregate: func(s aggregate.Summary, err error) { summary = s },
	}))
	mounted := ch.HandlerCount()
	assert.Positive(t, mounted)
	assert.Equal(t, 1, l.UnreadCount())
	assert.Equal(t, 2, summary.Total)
	assert.InDelta(t, 0.5, summary.ResolutionRate, 1e-9)

	assert.ErrorIs(t, d.Mount(context.Background(), Listener{}), ErrMounted)

	d.Unmount()
	assert.Zero(t, ch.HandlerCount())
	d.Unmount()

	// Remounting does not accumulate handlers.
	require.NoError(t, d.Mount(context.Background(), Listener{}))
	assert.Equal(t, mounted, ch.HandlerCount())
	d.Unmount()
	assert.Zero(t, ch.HandlerCount())
}

// liveServer accepts websocket connections, hands them to the test and
// discards whatever the client sends.
func liveServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", conns
}

func TestLiveEventsReachLedgerAndAggregate(t *testing.T) {
	url, conns := liveServer(t)

	be := &backend{}
	d, ch, l := build(url, be)

	var mu sync.Mutex
	unread := -1
	require.NoError(t, d.Mount(context.Background(), Listener{
		Ledger: func(_ int, u int) {
			mu.Lock()
			unread = u
			mu.Unlock()
		},
	}))
	defer d.Unmount()

	ch.SetSession(&admin)
	ch.Start(context.Background())
	defer ch.Stop()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
	}

	send := func(et wstypes.EventType, data interface{}) {
		raw, _ := wstypes.NewMessage(et, data).ToJSON()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
	}

	send(wstypes.EventTypeNotification, wstypes.NotificationData{ID: "n3", Role: auth.RoleAdmin, Title: "New issue reported"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return unread == 2 && l.UnreadCount() == 2
	}, 3*time.Second, 10*time.Millisecond)

	be.mu.Lock()
	before := be.refreshes
	be.issues = append(be.issues, issue.Issue{ID: "i9", Category: issue.CategoryWater, Status: issue.StatusPending})
	be.mu.Unlock()

	send(wstypes.EventTypeNewIssue, wstypes.IssueEventData{IssueID: "i9", Category: issue.CategoryWater})
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return be.refreshes > before
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCommunityViewRefreshesOnNewIssue(t *testing.T) {
	url, conns := liveServer(t)

	be := &backend{issues: []issue.Issue{{ID: "i1", Category: issue.CategoryRoads, Reporter: "u2", Status: issue.StatusPending}}}
	d, ch, _ := buildFor(url, be, citizen)

	var mu sync.Mutex
	total := -1
	require.NoError(t, d.Mount(context.Background(), Listener{
		Aggregate: func(s aggregate.Summary, err error) {
			if err != nil {
				return
			}
			mu.Lock()
			total = s.Total
			mu.Unlock()
		},
	}))
	defer d.Unmount()

	ch.SetSession(&citizen)
	ch.Start(context.Background())
	defer ch.Stop()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
	}

	be.mu.Lock()
	be.issues = append(be.issues, issue.Issue{ID: "i2", Category: issue.CategoryWater, Reporter: "u3", Status: issue.StatusPending})
	be.mu.Unlock()

	// Someone else's report still refreshes the community totals.
	raw, err := wstypes.NewMessage(wstypes.EventTypeNewIssue, wstypes.IssueEventData{IssueID: "i2", Category: issue.CategoryWater, Reporter: "u3"}).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 2
	}, 3*time.Second, 10*time.Millisecond)
}
